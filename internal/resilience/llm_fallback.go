package resilience

import (
	"context"

	"github.com/umindsales/magus/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across chat backends,
// e.g. chat-openai then chat-claude then chat-google.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers an additional chat provider as a fallback.
func (f *LLMFallback) AddFallback(provider llm.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Name returns the primary's name; replies report the provider that actually
// answered through [llm.CompletionResponse.Model].
func (f *LLMFallback) Name() string { return f.group.Primary().Name() }

// Complete sends the request to the first healthy provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, _, err := ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	return resp, err
}

// StreamCompletion opens a stream on the first healthy provider. Only stream
// setup is covered by failover.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, _, err := ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
	return ch, err
}
