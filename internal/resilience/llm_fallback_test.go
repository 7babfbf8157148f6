package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/umindsales/magus/pkg/provider/llm"
	llmmock "github.com/umindsales/magus/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{ProviderName: "openai", CompleteErr: errors.New("rate limited")}
	secondary := &llmmock.Provider{
		ProviderName:     "claude",
		CompleteResponse: &llm.CompletionResponse{Content: "Olá!", Model: "claude"},
	}

	fb := NewLLMFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	if fb.Name() != "openai" {
		t.Errorf("Name() = %q, want primary name", fb.Name())
	}

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "Oi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Olá!" || resp.Model != "claude" {
		t.Errorf("resp = %+v", resp)
	}
	if primary.CompleteCallCount() != 1 || secondary.CompleteCallCount() != 1 {
		t.Errorf("calls primary=%d secondary=%d", primary.CompleteCallCount(), secondary.CompleteCallCount())
	}
}

func TestLLMFallback_StreamCompletion(t *testing.T) {
	primary := &llmmock.Provider{ProviderName: "google", StreamErr: errors.New("unavailable")}
	secondary := &llmmock.Provider{
		ProviderName: "openai",
		StreamChunks: []llm.Chunk{{Text: "Olá"}, {Text: "!", FinishReason: "stop"}},
	}

	fb := NewLLMFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "Olá!" {
		t.Errorf("text = %q", text)
	}
}
