package llm

import "strings"

// BasePrompt is the MAGUS persona shared by every backend.
const BasePrompt = "Você é MAGUS, um assistente AI inteligente da UMIND SALES. Seja natural, direto e útil."

// SystemPrompt returns the MAGUS system prompt, with knowledgeContext
// appended under a "Contexto adicional" heading when present.
func SystemPrompt(knowledgeContext string) string {
	kc := strings.TrimSpace(knowledgeContext)
	if kc == "" {
		return BasePrompt
	}
	return BasePrompt + " Contexto adicional: " + kc
}

// ResolveSystemPrompt returns the system prompt to send for req: the explicit
// SystemPrompt when set, otherwise the MAGUS prompt grounded on
// req.KnowledgeContext.
func ResolveSystemPrompt(req CompletionRequest) string {
	if req.SystemPrompt != "" {
		if req.KnowledgeContext != "" && !strings.Contains(req.SystemPrompt, req.KnowledgeContext) {
			return req.SystemPrompt + " Contexto adicional: " + strings.TrimSpace(req.KnowledgeContext)
		}
		return req.SystemPrompt
	}
	return SystemPrompt(req.KnowledgeContext)
}

// Collect drains a completion stream into a single string. It returns the
// error message of a failed stream as an error.
func Collect(chunks <-chan Chunk) (string, error) {
	var b strings.Builder
	for c := range chunks {
		if c.FinishReason == "error" {
			// Drain whatever is left so the producer can exit.
			for range chunks {
			}
			return b.String(), &StreamError{Message: c.Text}
		}
		b.WriteString(c.Text)
	}
	return b.String(), nil
}

// StreamError is a failure reported mid-stream by a provider.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "llm: stream failed: " + e.Message }
