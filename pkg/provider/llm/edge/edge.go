// Package edge provides an LLM provider that calls one of the MAGUS backend
// chat functions (chat-openai, chat-claude, chat-google) instead of talking to
// a model vendor directly. The backend holds the vendor keys and builds the
// system prompt, so requests forward the knowledge context as-is.
package edge

import (
	"context"
	"fmt"

	"github.com/umindsales/magus/pkg/provider/edge"
	"github.com/umindsales/magus/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider over a backend chat function.
type Provider struct {
	client   *edge.Client
	backend  string
	function string
}

type chatRequest struct {
	Messages         []chatMessage `json:"messages"`
	KnowledgeContext string        `json:"knowledgeContext,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message  string `json:"message"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// New returns a provider for the chat function of backend ("openai",
// "claude" or "google").
func New(client *edge.Client, backend string) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("edge: client must not be nil")
	}
	switch backend {
	case "openai", "claude", "google":
	default:
		return nil, fmt.Errorf("edge: unsupported chat backend %q", backend)
	}
	return &Provider{client: client, backend: backend, function: "chat-" + backend}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.backend }

// StreamCompletion implements llm.Provider. Chat functions answer in one
// piece, so the stream carries a single chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: resp.Content, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body := chatRequest{KnowledgeContext: req.KnowledgeContext}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var out chatResponse
	if err := p.client.Invoke(ctx, p.function, body, &out); err != nil {
		return nil, fmt.Errorf("edge: %s: %w", p.function, err)
	}
	return &llm.CompletionResponse{Content: out.Message, Model: out.Model}, nil
}
