package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/umindsales/magus/pkg/provider/live"
	"github.com/umindsales/magus/pkg/provider/llm"
)

// Server-side texts and generation parameters of a relayed reply.
const (
	ReadyMessage     = "MAGUS está pronto para conversar ao vivo!"
	ReplyingMessage  = "MAGUS está respondendo..."
	ErrorPrefix      = "Erro ao processar mensagem: "
	RelayPrompt      = "Você é MAGUS, uma inteligência artificial avançada da UMIND SALES. Seja natural, direto e útil em todas as suas capacidades."
	RelayTemperature = 0.8
	RelayMaxTokens   = 800
)

var errMessageRequired = errors.New("Message is required")

// ServerOption configures a Handler.
type ServerOption func(*Handler)

// WithOriginPatterns allows cross-origin browser clients from the given host
// patterns.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(h *Handler) { h.originPatterns = patterns }
}

// WithObserver registers a callback invoked after every relayed reply with
// the outcome. Used for metrics.
func WithObserver(fn func(provider string, err error)) ServerOption {
	return func(h *Handler) { h.observe = fn }
}

// Handler is the server side of the relay protocol. Each WebSocket connection
// is served by one goroutine; chat messages on a connection are answered one
// at a time, in order.
type Handler struct {
	provider       llm.Provider
	originPatterns []string
	observe        func(provider string, err error)
}

// NewHandler returns a relay server that answers with provider.
func NewHandler(provider llm.Provider, opts ...ServerOption) *Handler {
	h := &Handler{provider: provider}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until the client
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "Expected WebSocket connection", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Warn("relay: accept failed", "err", err)
		return
	}
	conn := live.NewWebSocketConn(ws)
	defer conn.Close()

	ctx := r.Context()
	log := slog.With("remote", r.RemoteAddr, "provider", h.provider.Name())
	log.Info("relay: connection established")
	defer log.Info("relay: connection closed")

	if err := h.send(ctx, conn, Frame{Type: TypeConnectionEstablished, Message: ReadyMessage}); err != nil {
		log.Warn("relay: send greeting", "err", err)
		return
	}

	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			log.Debug("relay: read", "err", err)
			return
		}

		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			h.sendError(ctx, conn, err)
			continue
		}
		if in.Type != TypeChatMessage {
			log.Debug("relay: ignoring frame", "type", in.Type)
			continue
		}

		err = h.reply(ctx, conn, in)
		if h.observe != nil {
			h.observe(h.provider.Name(), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("relay: reply failed", "err", err)
			h.sendError(ctx, conn, err)
		}
	}
}

// reply streams the answer to one chat message.
func (h *Handler) reply(ctx context.Context, conn live.Conn, in Frame) (err error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return errMessageRequired
	}

	ctx, span := tracer().Start(ctx, "relay reply", trace.WithAttributes(
		attribute.String("provider", h.provider.Name()),
		attribute.Bool("grounded", in.KnowledgeContext != ""),
	))
	var chunkCount int
	defer func() {
		span.SetAttributes(attribute.Int("chunks", chunkCount))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	chunks, err := h.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:         []llm.Message{{Role: "user", Content: message}},
		SystemPrompt:     RelayPrompt,
		KnowledgeContext: in.KnowledgeContext,
		Temperature:      RelayTemperature,
		MaxTokens:        RelayMaxTokens,
	})
	if err != nil {
		return err
	}

	if err := h.send(ctx, conn, Frame{Type: TypeStreamStart, Message: ReplyingMessage}); err != nil {
		drain(chunks)
		return err
	}

	var full strings.Builder
	for c := range chunks {
		if c.FinishReason == "error" {
			drain(chunks)
			return &llm.StreamError{Message: c.Text}
		}
		if c.Text == "" {
			continue
		}
		chunkCount++
		full.WriteString(c.Text)
		if err := h.send(ctx, conn, Frame{Type: TypeStreamChunk, Chunk: c.Text, FullResponse: full.String()}); err != nil {
			drain(chunks)
			return err
		}
	}

	return h.send(ctx, conn, Frame{
		Type:         TypeStreamComplete,
		FullResponse: full.String(),
		Provider:     h.provider.Name(),
	})
}

func (h *Handler) send(ctx context.Context, conn live.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", f.Type, err)
	}
	return conn.WriteFrame(ctx, data)
}

func (h *Handler) sendError(ctx context.Context, conn live.Conn, cause error) {
	msg := cause.Error()
	var se *llm.StreamError
	if errors.As(cause, &se) {
		msg = se.Message
	}
	if err := h.send(ctx, conn, Frame{Type: TypeError, Message: ErrorPrefix + msg}); err != nil {
		slog.Debug("relay: send error frame", "err", err)
	}
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
