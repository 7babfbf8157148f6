// Package gemini provides an LLM provider backed by the Google Gemini API via
// google.golang.org/genai.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/umindsales/magus/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// DefaultModel is the model used by the MAGUS chat-google backend.
const DefaultModel = "gemini-1.5-flash"

// Provider implements llm.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

type config struct {
	baseURL    string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New constructs a Gemini chat provider. An empty model selects [DefaultModel].
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "google" }

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	contents, genCfg := buildContents(req)
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: request has no messages")
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, genCfg) {
			var out llm.Chunk
			if err != nil {
				out = llm.Chunk{FinishReason: "error", Text: err.Error()}
			} else {
				out = llm.Chunk{Text: resp.Text(), FinishReason: finishReason(resp)}
				if out.Text == "" && out.FinishReason == "" {
					continue
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	contents, genCfg := buildContents(req)
	if len(contents) == 0 {
		return nil, fmt.Errorf("gemini: request has no messages")
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty candidates in response")
	}

	out := &llm.CompletionResponse{Content: resp.Text(), Model: p.model}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// buildContents converts req into Gemini contents. Gemini has no system role
// in the content list, so the system prompt is folded into the first user
// message as "<prompt>\n\nUsuário: <message>".
func buildContents(req llm.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	req = req.WithDefaults()
	system := llm.ResolveSystemPrompt(req)

	var contents []*genai.Content
	prepended := false
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		text := m.Content
		if !prepended && role == genai.RoleUser {
			text = system + "\n\nUsuário: " + text
			prepended = true
		}
		contents = append(contents, genai.NewContentFromText(text, role))
	}

	temperature := float32(req.Temperature)
	return contents, &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	return strings.ToLower(string(resp.Candidates[0].FinishReason))
}
