// Package session implements the live voice session: a [Transport] that keeps
// one logical connection to a live backend alive across drops, and an
// [Orchestrator] that binds it to the microphone, the speaker, speech
// synthesis and the caller's status view.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/umindsales/magus/internal/observe"
	"github.com/umindsales/magus/pkg/provider/live"
)

// DefaultConnectTimeout bounds a dial plus the Setup handshake.
const DefaultConnectTimeout = 15 * time.Second

const eventBuffer = 256

// errSuperseded marks a write attempted on a connection that was replaced or
// torn down after the caller looked at it.
var errSuperseded = errors.New("session: connection superseded")

// TransportOption configures a [Transport].
type TransportOption func(*Transport)

// WithReconnectPolicy sets the retry schedule after unsolicited drops.
func WithReconnectPolicy(p ReconnectPolicy) TransportOption {
	return func(t *Transport) { t.policy = p }
}

// WithClock replaces the clock used for reconnect timers.
func WithClock(c Clock) TransportOption {
	return func(t *Transport) { t.clock = c }
}

// WithConnectTimeout bounds each dial plus the Setup write.
func WithConnectTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.connectTimeout = d }
}

// WithQueueLimit bounds the outbound queue; 0 leaves it unbounded.
func WithQueueLimit(n int) TransportOption {
	return func(t *Transport) { t.queueLimit = n }
}

// WithStateObserver registers fn to be told about every state transition.
// fn runs with the transport's lock held, in transition order; it must not
// call back into the Transport.
func WithStateObserver(fn func(StateChange)) TransportOption {
	return func(t *Transport) { t.onChange = fn }
}

// WithTransportMetrics records connect latency, reconnects and queue drops.
func WithTransportMetrics(m *observe.Metrics) TransportOption {
	return func(t *Transport) { t.metrics = m }
}

// Transport is one logical connection to a live backend. It sends exactly one
// Setup at the start of every physical connection, transmits only while
// Connected, queues everything else, and reconnects after unsolicited drops
// according to its [ReconnectPolicy].
//
// All methods are safe for concurrent use.
type Transport struct {
	provider       live.Provider
	policy         ReconnectPolicy
	clock          Clock
	connectTimeout time.Duration
	queueLimit     int
	onChange       func(StateChange)
	metrics        *observe.Metrics

	queue     *OutboundQueue
	reconnect *reconnector
	events    chan live.Event

	// sendMu keeps one write in flight.
	sendMu sync.Mutex

	mu       sync.Mutex
	state    State
	gen      uint64
	conn     live.Conn
	codec    *lockedCodec
	cancel   context.CancelFunc
	setup    live.Setup
	flushing bool
	lastErr  error

	// baseCtx carries the values of the ctx given to Connect into
	// reconnect attempts, without its cancellation.
	baseCtx context.Context
}

// NewTransport returns a disconnected Transport for provider.
func NewTransport(provider live.Provider, opts ...TransportOption) *Transport {
	t := &Transport{
		provider:       provider,
		policy:         DefaultReconnectPolicy(),
		clock:          realClock{},
		connectTimeout: DefaultConnectTimeout,
		events:         make(chan live.Event, eventBuffer),
		baseCtx:        context.Background(),
	}
	for _, o := range opts {
		o(t)
	}
	t.queue = NewOutboundQueue(t.queueLimit)
	t.reconnect = newReconnector(t.policy, t.clock)
	return t
}

// Events delivers decoded inbound events in arrival order. The channel is
// never closed; consumers stop reading when they are done with the Transport.
func (t *Transport) Events() <-chan live.Event { return t.events }

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempt returns the current reconnect attempt; 0 when not reconnecting.
func (t *Transport) Attempt() int { return t.reconnect.current() }

// QueueLen returns the number of messages waiting for a connection.
func (t *Transport) QueueLen() int { return t.queue.Len() }

// LastError returns the failure behind the most recent drop, or nil.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Connect dials the backend and sends setup. It is legal from Disconnected,
// Reconnecting (cancelling the pending retry) and Errored (starting a fresh
// attempt count). A failed dial is handed to the reconnect policy and also
// returned.
func (t *Transport) Connect(ctx context.Context, setup live.Setup) error {
	t.mu.Lock()
	switch t.state {
	case Disconnected, Errored:
		t.reconnect.reset()
	case Reconnecting:
		t.reconnect.cancel()
	default:
		st := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, st)
	}
	t.setup = setup
	t.baseCtx = context.WithoutCancel(ctx)
	t.gen++
	gen := t.gen
	t.transitionLocked(Connecting, t.reconnect.current(), nil)
	t.mu.Unlock()

	return t.dial(ctx, gen)
}

// retry is the reconnect timer callback.
func (t *Transport) retry(gen uint64) {
	t.reconnect.fired()
	t.mu.Lock()
	if t.gen != gen || t.state != Reconnecting {
		t.mu.Unlock()
		return
	}
	t.transitionLocked(Connecting, t.reconnect.current(), nil)
	ctx := t.baseCtx
	t.mu.Unlock()

	observe.Logger(ctx).Info("live: reconnecting", "provider", t.provider.Name(), "attempt", t.reconnect.current())
	_ = t.dial(ctx, gen)
}

func (t *Transport) dial(ctx context.Context, gen uint64) (err error) {
	start := t.clock.Now()
	ctx, span := observe.StartSpan(ctx, "live.connect", trace.WithAttributes(
		observe.AttrProvider.String(t.provider.Name()),
		observe.AttrAttempt.Int(t.reconnect.current()),
	))
	defer func() { observe.EndSpan(span, err) }()

	dctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	conn, err := t.provider.Dial(dctx)
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %w", ErrTransport, t.provider.Name(), err)
		t.fail(gen, err)
		return err
	}

	codec := &lockedCodec{c: t.provider.NewCodec()}
	t.mu.Lock()
	setup := t.setup
	t.mu.Unlock()

	frames, err := codec.EncodeFrames(setup)
	for _, frame := range frames {
		if err != nil {
			break
		}
		err = conn.WriteFrame(dctx, frame)
	}
	if err != nil {
		_ = conn.Close()
		err = fmt.Errorf("%w: setup %s: %w", ErrTransport, t.provider.Name(), err)
		t.fail(gen, err)
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.gen != gen || t.state != Connecting {
		t.mu.Unlock()
		connCancel()
		_ = conn.Close()
		return fmt.Errorf("%w: connect abandoned", ErrInvalidState)
	}
	t.conn, t.codec, t.cancel = conn, codec, connCancel
	t.flushing = true
	t.lastErr = nil
	t.reconnect.reset()
	t.transitionLocked(Connected, 0, nil)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ConnectDuration.Record(connCtx, t.clock.Now().Sub(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", t.provider.Name())))
	}
	observe.Logger(ctx).Info("live: connected", "provider", t.provider.Name(), "queued", t.queue.Len())

	go t.readLoop(connCtx, gen, conn, codec)
	t.flushQueue(connCtx, gen)
	return nil
}

// fail handles an unsolicited drop of connection gen: Disconnected, then
// either Reconnecting with a timer armed or Errored.
func (t *Transport) fail(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen || (t.state != Connected && t.state != Connecting) {
		t.mu.Unlock()
		return
	}
	t.gen++
	next := t.gen
	conn, cancel := t.detachLocked()
	t.flushing = false
	t.lastErr = err
	t.transitionLocked(Disconnected, 0, err)

	attempt, delay, ok := t.reconnect.schedule(func() { t.retry(next) })
	if ok {
		t.transitionLocked(Reconnecting, attempt, err)
	} else {
		t.transitionLocked(Errored, attempt, err)
	}
	ctx := t.baseCtx
	t.mu.Unlock()

	closeConn(conn, cancel)
	log := observe.Logger(ctx)
	if !ok {
		log.Error("live: giving up after repeated failures",
			"provider", t.provider.Name(), "attempts", attempt, "err", err)
		return
	}
	log.Warn("live: connection lost",
		"provider", t.provider.Name(), "attempt", attempt, "delay", delay, "err", err)
	if t.metrics != nil {
		t.metrics.RecordReconnect(ctx, t.provider.Name(), attempt)
	}
}

// Disconnect closes the connection, cancels any pending reconnect, discards
// queued messages and resets the attempt counter. Legal in every state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.gen++
	t.reconnect.reset()
	t.queue.Clear()
	t.flushing = false
	t.lastErr = nil
	conn, cancel := t.detachLocked()
	if t.state != Disconnected {
		t.transitionLocked(Disconnected, 0, nil)
	}
	t.mu.Unlock()

	closeConn(conn, cancel)
}

// Send transmits msg if Connected and nothing is waiting ahead of it;
// otherwise msg is queued and delivered, in order, once a connection is up.
// A failed write is queued again and treated as a drop.
func (t *Transport) Send(ctx context.Context, msg live.Message) error {
	t.mu.Lock()
	if t.state != Connected || t.flushing {
		t.enqueueLocked(msg)
		t.mu.Unlock()
		return nil
	}
	gen := t.gen
	t.mu.Unlock()

	err := t.write(ctx, gen, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrProtocol):
		return err
	case errors.Is(err, errSuperseded):
		t.mu.Lock()
		// A manual stop discards; a drop keeps the message for the next connection.
		if t.state != Disconnected {
			t.enqueueLocked(msg)
		}
		t.mu.Unlock()
		return nil
	default:
		t.mu.Lock()
		t.enqueueLocked(msg)
		t.mu.Unlock()
		t.fail(gen, err)
		return nil
	}
}

func (t *Transport) enqueueLocked(msg live.Message) {
	if dropped := t.queue.Enqueue(msg); dropped > 0 {
		slog.Warn("live: outbound queue full, dropped oldest audio",
			"provider", t.provider.Name(), "dropped", dropped)
		if t.metrics != nil {
			t.metrics.QueueDropped.Add(context.Background(), int64(dropped))
		}
	}
}

// write sends one message on connection gen.
func (t *Transport) write(ctx context.Context, gen uint64, msg live.Message) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if t.gen != gen || t.state != Connected {
		t.mu.Unlock()
		return errSuperseded
	}
	conn, codec := t.conn, t.codec
	t.mu.Unlock()

	frames, err := codec.EncodeFrames(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrProtocol, err)
	}
	for _, frame := range frames {
		if err := conn.WriteFrame(ctx, frame); err != nil {
			return fmt.Errorf("%w: write: %w", ErrTransport, err)
		}
	}
	return nil
}

// flushQueue drains the queue onto connection gen. Sends issued meanwhile
// queue behind it, so ordering holds across the switch to direct sends.
func (t *Transport) flushQueue(ctx context.Context, gen uint64) {
	send := func(ctx context.Context, msg live.Message) error {
		err := t.write(ctx, gen, msg)
		if errors.Is(err, ErrProtocol) {
			slog.Warn("live: dropping unencodable message", "provider", t.provider.Name(), "err", err)
			return nil
		}
		return err
	}
	for {
		if err := t.queue.Flush(ctx, send); err != nil {
			if !errors.Is(err, errSuperseded) {
				t.fail(gen, err)
			}
			return
		}
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		if t.queue.Len() == 0 {
			t.flushing = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}
}

func (t *Transport) readLoop(ctx context.Context, gen uint64, conn live.Conn, codec *lockedCodec) {
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.fail(gen, fmt.Errorf("%w: read: %w", ErrTransport, err))
			}
			return
		}

		events, err := codec.Decode(frame)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrProtocol, err)
			slog.Warn("live: dropping malformed frame", "provider", t.provider.Name(), "err", err)
			events = []live.Event{live.ErrorEvent{Message: err.Error(), Err: err}}
		}
		for _, ev := range events {
			select {
			case t.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// transitionLocked moves to state to and tells the observer.
func (t *Transport) transitionLocked(to State, attempt int, err error) {
	from := t.state
	t.state = to
	if t.onChange != nil {
		t.onChange(StateChange{From: from, To: to, Attempt: attempt, Err: err})
	}
}

func (t *Transport) detachLocked() (live.Conn, context.CancelFunc) {
	conn, cancel := t.conn, t.cancel
	t.conn, t.codec, t.cancel = nil, nil, nil
	return conn, cancel
}

func closeConn(conn live.Conn, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("live: close connection", "err", err)
		}
	}
}

// lockedCodec serialises a per-connection codec shared by the read loop and
// writers.
type lockedCodec struct {
	mu sync.Mutex
	c  live.Codec
}

func (l *lockedCodec) Encode(msg live.Message) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Encode(msg)
}

func (l *lockedCodec) EncodeFrames(msg live.Message) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return live.EncodeFrames(l.c, msg)
}

func (l *lockedCodec) Decode(frame []byte) ([]live.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Decode(frame)
}
