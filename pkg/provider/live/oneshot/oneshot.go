// Package oneshot adapts a request/response chat backend (any llm.Provider)
// to the live.Provider interface, so the session layer can drive it exactly
// like a streaming duplex backend.
//
// The connection is in-process. Each written chat message is answered with a
// single Complete call that carries the whole conversation so far; the reply
// comes back as relay-protocol frames (stream_start, stream_complete, or
// error) and is decoded with the relay codec. Outgoing chat frames also carry
// the system instruction of the session Setup, which the relay protocol has
// no field for. Replies carry text only, so the caller speaks them through
// its own TTS.
package oneshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/umindsales/magus/pkg/provider/live"
	"github.com/umindsales/magus/pkg/provider/live/relay"
	"github.com/umindsales/magus/pkg/provider/llm"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*conn)(nil)
	_ live.Codec    = (*codec)(nil)
)

// DefaultRequestTimeout bounds a single chat request.
const DefaultRequestTimeout = 60 * time.Second

// Option configures a Provider.
type Option func(*Provider)

// WithRequestTimeout overrides [DefaultRequestTimeout].
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithHistoryLimit keeps at most n messages of history per connection. Zero
// means unlimited.
func WithHistoryLimit(n int) Option {
	return func(p *Provider) { p.historyLimit = n }
}

// Provider wraps a chat backend.
type Provider struct {
	chat         llm.Provider
	timeout      time.Duration
	historyLimit int
}

// New returns a live provider backed by chat.
func New(chat llm.Provider, opts ...Option) *Provider {
	p := &Provider{chat: chat, timeout: DefaultRequestTimeout}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return p.chat.Name() }

// Capabilities implements live.Provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{}
}

// NewCodec implements live.Provider.
func (p *Provider) NewCodec() live.Codec { return &codec{relay: relay.NewCodec()} }

// request is a chat frame on the in-process connection.
type request struct {
	relay.Frame
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// codec is the relay codec plus the system instruction of the last Setup.
type codec struct {
	relay        live.Codec
	systemPrompt string
}

// Encode implements live.Codec.
func (c *codec) Encode(msg live.Message) ([]byte, error) {
	if s, ok := msg.(live.Setup); ok {
		c.systemPrompt = s.SystemInstruction
	}
	data, err := c.relay.Encode(msg)
	if err != nil || data == nil || c.systemPrompt == "" {
		return data, err
	}
	var f relay.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("oneshot: encode: %w", err)
	}
	return json.Marshal(request{Frame: f, SystemPrompt: c.systemPrompt})
}

// Decode implements live.Codec.
func (c *codec) Decode(data []byte) ([]live.Event, error) {
	return c.relay.Decode(data)
}

// Dial implements live.Provider. The returned connection greets with a
// connection_established frame like a relay server does.
func (p *Provider) Dial(ctx context.Context) (live.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("oneshot: dial: %w", err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		p:        p,
		ctx:      cctx,
		cancel:   cancel,
		requests: make(chan request, 16),
		frames:   make(chan []byte, 16),
	}
	c.emit(relay.Frame{Type: relay.TypeConnectionEstablished, Message: relay.ReadyMessage})
	go c.serve()
	return c, nil
}

// conn answers chat messages one at a time, in order.
type conn struct {
	p      *Provider
	ctx    context.Context
	cancel context.CancelFunc

	requests chan request
	frames   chan []byte

	mu      sync.Mutex
	history []llm.Message
}

// WriteFrame queues a chat_message frame for answering. Other frame types are
// ignored.
func (c *conn) WriteFrame(ctx context.Context, data []byte) error {
	if c.ctx.Err() != nil {
		return live.ErrClosed
	}
	var f request
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("oneshot: write: %w", err)
	}
	if f.Type != relay.TypeChatMessage {
		return nil
	}
	select {
	case c.requests <- f:
		return nil
	case <-c.ctx.Done():
		return live.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFrame returns the next reply frame.
func (c *conn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case <-c.ctx.Done():
		return nil, live.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels any request in flight. Idempotent.
func (c *conn) Close() error {
	c.cancel()
	return nil
}

func (c *conn) serve() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.requests:
			c.answer(f)
		}
	}
}

func (c *conn) answer(f request) {
	message := strings.TrimSpace(f.Message)
	if message == "" {
		c.emit(relay.Frame{Type: relay.TypeError, Message: relay.ErrorPrefix + "Message is required"})
		return
	}

	c.mu.Lock()
	c.history = append(c.history, llm.Message{Role: "user", Content: message})
	c.trimLocked()
	messages := append([]llm.Message(nil), c.history...)
	c.mu.Unlock()

	c.emit(relay.Frame{Type: relay.TypeStreamStart, Message: relay.ReplyingMessage})

	ctx, cancel := context.WithTimeout(c.ctx, c.p.timeout)
	defer cancel()
	ctx, span := tracer().Start(ctx, "oneshot complete", trace.WithAttributes(
		attribute.String("provider", c.p.chat.Name()),
		attribute.Int("history", len(messages)),
	))
	defer span.End()

	resp, err := c.p.chat.Complete(ctx, llm.CompletionRequest{
		Messages:         messages,
		SystemPrompt:     f.SystemPrompt,
		KnowledgeContext: f.KnowledgeContext,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.ctx.Err() != nil {
			return
		}
		slog.Warn("oneshot: chat request failed", "provider", c.p.chat.Name(), "err", err)
		c.emit(relay.Frame{Type: relay.TypeError, Message: relay.ErrorPrefix + err.Error()})
		return
	}
	if resp == nil {
		resp = &llm.CompletionResponse{}
	}

	c.mu.Lock()
	c.history = append(c.history, llm.Message{Role: "assistant", Content: resp.Content})
	c.trimLocked()
	c.mu.Unlock()

	c.emit(relay.Frame{Type: relay.TypeStreamComplete, FullResponse: resp.Content, Provider: c.p.chat.Name()})
}

func (c *conn) trimLocked() {
	if n := c.p.historyLimit; n > 0 && len(c.history) > n {
		c.history = append([]llm.Message(nil), c.history[len(c.history)-n:]...)
	}
}

func (c *conn) emit(f relay.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("oneshot: encode frame", "type", f.Type, "err", err)
		return
	}
	select {
	case c.frames <- data:
	case <-c.ctx.Done():
	}
}
