package session

import (
	"context"
	"sync"

	"github.com/umindsales/magus/pkg/provider/live"
)

type queued struct {
	seq uint64
	msg live.Message
}

// OutboundQueue holds messages produced while no connection can take them.
// It is FIFO and, unless a limit is set, unbounded.
type OutboundQueue struct {
	mu     sync.Mutex
	items  []queued
	maxLen int
	seq    uint64
}

// NewOutboundQueue returns a queue holding at most maxLen messages; 0 means
// unbounded. When full, the oldest audio-only turn is evicted first; other
// messages are only evicted when no audio is queued.
func NewOutboundQueue(maxLen int) *OutboundQueue {
	return &OutboundQueue{maxLen: max(maxLen, 0)}
}

// Enqueue appends msg and reports how many older messages were evicted to
// make room.
func (q *OutboundQueue) Enqueue(msg live.Message) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items = append(q.items, queued{seq: q.seq, msg: msg})
	for q.maxLen > 0 && len(q.items) > q.maxLen {
		q.evictLocked()
		dropped++
	}
	return dropped
}

func (q *OutboundQueue) evictLocked() {
	for i, it := range q.items[:len(q.items)-1] {
		if turn, ok := it.msg.(live.ClientTurn); ok && turn.AudioOnly() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
	q.items = q.items[1:]
}

// Flush sends queued messages in order, one at a time, waiting for each send
// to return. A failed send leaves that message and everything behind it
// queued. Messages enqueued during Flush are sent by the same call.
func (q *OutboundQueue) Flush(ctx context.Context, send func(context.Context, live.Message) error) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := send(ctx, head.msg); err != nil {
			return err
		}

		// The head may have been evicted or cleared while it was in flight.
		q.mu.Lock()
		if len(q.items) > 0 && q.items[0].seq == head.seq {
			q.items = q.items[1:]
		}
		q.mu.Unlock()
	}
}

// Clear discards every queued message.
func (q *OutboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Len returns the number of queued messages.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
