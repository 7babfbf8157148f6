package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/umindsales/magus/pkg/provider/live"
)

// ── manual clock ─────────────────────────────────────────────────────────────

type manualTimer struct {
	c       *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// manualClock fires timers only when Advance moves past their deadline.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	delays []time.Duration
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves time forward by d and runs due timers, in deadline order,
// outside the clock's lock.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of armed timers.
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Delays returns every delay passed to AfterFunc, in order.
func (c *manualClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// ── fake backend ─────────────────────────────────────────────────────────────

var errDialRefused = errors.New("dial refused")

// fakeConn records written frames and serves frames pushed by the test.
type fakeConn struct {
	mu       sync.Mutex
	written  []string
	writeErr error
	closed   bool
	onClose  func()

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) WriteFrame(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, string(frame))
	return nil
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.done:
		return nil, live.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		hook := c.onClose
		c.mu.Unlock()
		close(c.done)
		if hook != nil {
			hook()
		}
	})
	return nil
}

// OnClose runs fn inside the first Close.
func (c *fakeConn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Drop simulates the remote end going away.
func (c *fakeConn) Drop() { _ = c.Close() }

// Push delivers an inbound frame.
func (c *fakeConn) Push(frame string) { c.inbound <- []byte(frame) }

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// textCodec is a line protocol: "setup:<model>", "text:<text>", "audio:<n>"
// out; "start", "chunk:<cum>", "done:<final>", "audio", "interrupt",
// "error:<msg>" in. Anything else is malformed.
type textCodec struct{}

func (textCodec) Encode(msg live.Message) ([]byte, error) {
	switch m := msg.(type) {
	case live.Setup:
		return []byte("setup:" + m.Model + "|" + m.KnowledgeContext), nil
	case live.ClientTurn:
		if m.AudioOnly() {
			return []byte("audio:" + string(m.Parts[0].Audio)), nil
		}
		return []byte("text:" + m.Text()), nil
	}
	return nil, errors.New("unknown message")
}

func (textCodec) Decode(frame []byte) ([]live.Event, error) {
	s := string(frame)
	kind, arg, _ := strings.Cut(s, ":")
	switch kind {
	case "start":
		return []live.Event{live.StreamStart{}}, nil
	case "chunk":
		return []live.Event{live.StreamChunk{TextDelta: arg, CumulativeText: arg}}, nil
	case "done":
		return []live.Event{live.StreamComplete{FinalText: arg, Provider: "fake"}}, nil
	case "audio":
		return []live.Event{live.ModelTurn{Audio: []byte{0xff, 0x3f, 0x00, 0xc0}, SampleRate: 24000}}, nil
	case "interrupt":
		return []live.Event{live.Interrupted{}}, nil
	case "error":
		return []live.Event{live.ErrorEvent{Message: arg, Err: errors.Join(live.ErrRemote, errors.New(arg))}}, nil
	}
	return nil, live.ErrMalformedFrame
}

// fakeProvider hands out scripted connections. Dial fails while failDials > 0
// or when no connection is queued.
type fakeProvider struct {
	caps live.Capabilities

	mu        sync.Mutex
	conns     []*fakeConn
	dials     int
	failDials int
	dialed    []*fakeConn
	maxOpen   int
}

func newFakeProvider(caps live.Capabilities) *fakeProvider {
	return &fakeProvider{caps: caps}
}

func (p *fakeProvider) Name() string                    { return "fake" }
func (p *fakeProvider) Capabilities() live.Capabilities { return p.caps }
func (p *fakeProvider) NewCodec() live.Codec            { return textCodec{} }

func (p *fakeProvider) Dial(context.Context) (live.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if p.failDials > 0 {
		p.failDials--
		return nil, errDialRefused
	}
	if len(p.conns) == 0 {
		return nil, errDialRefused
	}
	c := p.conns[0]
	p.conns = p.conns[1:]
	p.dialed = append(p.dialed, c)
	open := 0
	for _, d := range p.dialed {
		if !d.IsClosed() {
			open++
		}
	}
	p.maxOpen = max(p.maxOpen, open)
	return c, nil
}

// MaxOpen returns the most connections that were ever open at once.
func (p *fakeProvider) MaxOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOpen
}

// Serve queues a fresh connection for the next successful dial.
func (p *fakeProvider) Serve() *fakeConn {
	c := newFakeConn()
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c
}

func (p *fakeProvider) FailNext(n int) {
	p.mu.Lock()
	p.failDials = n
	p.mu.Unlock()
}

func (p *fakeProvider) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// ── polling ──────────────────────────────────────────────────────────────────

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
