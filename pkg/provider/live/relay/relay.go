// Package relay implements the MAGUS relay protocol: a thin JSON-over-WebSocket
// protocol in which the client sends whole text messages and the server
// streams the model's reply back as incremental chunks.
//
// Client → server:
//
//	{"type":"chat_message","message":"...","knowledgeContext":"..."}
//
// Server → client:
//
//	{"type":"connection_established","message":"..."}
//	{"type":"stream_start","message":"..."}
//	{"type":"stream_chunk","chunk":"...","fullResponse":"..."}
//	{"type":"stream_complete","fullResponse":"...","provider":"google"}
//	{"type":"error","message":"..."}
//
// [Provider] is the client side and plugs into a live session; [Handler] is
// the server side and fronts any llm.Provider.
package relay

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/umindsales/magus/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)

// Frame types.
const (
	TypeChatMessage           = "chat_message"
	TypeConnectionEstablished = "connection_established"
	TypeStreamStart           = "stream_start"
	TypeStreamChunk           = "stream_chunk"
	TypeStreamComplete        = "stream_complete"
	TypeError                 = "error"
)

// Frame is the single JSON shape shared by every relay message.
type Frame struct {
	Type             string `json:"type"`
	Message          string `json:"message,omitempty"`
	KnowledgeContext string `json:"knowledgeContext,omitempty"`
	Chunk            string `json:"chunk,omitempty"`
	FullResponse     string `json:"fullResponse,omitempty"`
	Provider         string `json:"provider,omitempty"`
}

// TokenFunc returns the bearer token presented when dialing.
type TokenFunc func(ctx context.Context) (string, error)

// Option configures a Provider.
type Option func(*Provider)

// WithToken authenticates the WebSocket handshake with a bearer token.
func WithToken(fn TokenFunc) Option {
	return func(p *Provider) { p.token = fn }
}

// WithName overrides the provider name reported in logs and metrics.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// Provider is the client side of the relay protocol.
type Provider struct {
	url   string
	name  string
	token TokenFunc
}

// New returns a relay client for the ws:// or wss:// endpoint at url.
func New(url string, opts ...Option) *Provider {
	p := &Provider{url: url, name: "relay"}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return p.name }

// Capabilities implements live.Provider. The relay carries text only; replies
// have to be spoken by the caller.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{}
}

// Dial implements live.Provider. The trace context of ctx travels in the
// handshake headers, so a relay server continues the caller's trace.
func (p *Provider) Dial(ctx context.Context) (live.Conn, error) {
	header := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	if p.token != nil {
		tok, err := p.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("relay: token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, err := live.DialWebSocket(ctx, p.url, header)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	return conn, nil
}

// NewCodec implements live.Provider.
func (p *Provider) NewCodec() live.Codec {
	return NewCodec()
}
