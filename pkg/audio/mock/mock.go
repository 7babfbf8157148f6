// Package mock provides in-memory mock implementations of the [audio.Capture]
// and [audio.Player] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Capture{}
//	stream, err := mic.Open(ctx)
//	mic.Emit(audio.Buffer{Samples: []float32{0.5}, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/umindsales/magus/pkg/audio"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Buffers pushed with
// [Capture.Emit] are delivered on the channel returned by Open.
type Capture struct {
	mu sync.Mutex

	// OpenError is returned by Open. When set, no stream is created.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	stream chan audio.Buffer
}

// Open implements [audio.Capture].
func (c *Capture) Open(ctx context.Context) (<-chan audio.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOpen++
	if c.OpenError != nil {
		return nil, c.OpenError
	}
	ch := make(chan audio.Buffer, 64)
	c.stream = ch
	go func() {
		<-ctx.Done()
		c.closeStream(ch)
	}()
	return ch, nil
}

// Emit delivers buf on the open stream. It is a no-op when the capture is not
// open or the stream buffer is full.
func (c *Capture) Emit(buf audio.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return
	}
	select {
	case c.stream <- buf:
	default:
	}
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	ch := c.stream
	c.mu.Unlock()
	if ch != nil {
		c.closeStream(ch)
	}
	return nil
}

// IsOpen reports whether a stream is currently open.
func (c *Capture) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *Capture) closeStream(ch chan audio.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == ch {
		close(ch)
		c.stream = nil
	}
}

// ─── Player ──────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayError is returned by Play.
	PlayError error

	// Played records every buffer passed to Play, including flushed ones.
	Played []audio.Buffer

	// Pending holds the buffers played since the last Flush.
	Pending []audio.Buffer

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Play implements [audio.Player].
func (p *Player) Play(buf audio.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Played = append(p.Played, buf)
	if p.PlayError != nil {
		return p.PlayError
	}
	p.Pending = append(p.Pending, buf)
	return nil
}

// Flush implements [audio.Player].
func (p *Player) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountFlush++
	p.Pending = nil
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClose++
	return nil
}

// PlayCount returns the number of Play calls so far.
func (p *Player) PlayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Played)
}

// FlushCount returns the number of Flush calls so far.
func (p *Player) FlushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountFlush
}
