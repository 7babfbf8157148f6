// Package llm defines the Provider interface for text chat backends.
//
// A chat provider wraps a hosted language model (OpenAI, Anthropic, Gemini, or
// a backend edge function in front of one of them) and presents a uniform
// request/response interface plus a streaming variant. Chat providers back the
// request/response session mode and the relay server.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
)

// Default generation parameters applied when a request leaves them zero.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

// Message is one turn of a conversation.
type Message struct {
	// Role is "user" or "assistant". System prompts go in
	// [CompletionRequest.SystemPrompt].
	Role string

	Content string
}

// Usage reports token consumption for a single completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is the input to a chat completion.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first. The last message is
	// normally the user turn being answered.
	Messages []Message

	// SystemPrompt is sent ahead of Messages in the provider's native way.
	SystemPrompt string

	// KnowledgeContext is grounding text for the reply. Providers that call a
	// model directly fold it into the system prompt via [SystemPrompt];
	// backend proxies forward it as-is.
	KnowledgeContext string

	// Temperature; zero means [DefaultTemperature].
	Temperature float64

	// MaxTokens caps the reply length; zero means [DefaultMaxTokens].
	MaxTokens int
}

// Chunk is one piece of a streamed completion.
type Chunk struct {
	Text string

	// FinishReason is set on the final chunk ("stop", "length", ...). A value
	// of "error" means the stream failed and Text carries the error message.
	FinishReason string
}

// CompletionResponse is the result of a non-streaming completion.
type CompletionResponse struct {
	Content string

	// Model is the model that produced the reply, as reported by the backend.
	Model string

	Usage Usage
}

// Provider is the abstraction over any chat backend.
type Provider interface {
	// Name identifies the backend (e.g. "openai", "claude", "google").
	Name() string

	// StreamCompletion starts a streaming completion. The returned channel is
	// closed when the reply is complete, fails, or ctx is cancelled. A
	// mid-stream failure is delivered as a final Chunk with FinishReason
	// "error".
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs a completion to the end and returns the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// WithDefaults returns req with zero generation parameters replaced by the
// package defaults.
func (req CompletionRequest) WithDefaults() CompletionRequest {
	if req.Temperature == 0 {
		req.Temperature = DefaultTemperature
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	return req
}
