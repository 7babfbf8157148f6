package llm_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/umindsales/magus/pkg/provider/llm"
)

func TestSystemPrompt(t *testing.T) {
	t.Parallel()

	if got := llm.SystemPrompt(""); got != llm.BasePrompt {
		t.Errorf("empty context: got %q", got)
	}
	if got := llm.SystemPrompt("   "); got != llm.BasePrompt {
		t.Errorf("blank context: got %q", got)
	}

	got := llm.SystemPrompt("Produto X custa R$ 10.")
	if !strings.HasPrefix(got, llm.BasePrompt) {
		t.Errorf("prompt must start with the persona: %q", got)
	}
	if !strings.HasSuffix(got, "Contexto adicional: Produto X custa R$ 10.") {
		t.Errorf("prompt must end with the context: %q", got)
	}
}

func TestResolveSystemPrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  llm.CompletionRequest
		want string
	}{
		{name: "default persona", req: llm.CompletionRequest{}, want: llm.BasePrompt},
		{name: "explicit prompt", req: llm.CompletionRequest{SystemPrompt: "Seja breve."}, want: "Seja breve."},
		{
			name: "explicit prompt plus context",
			req:  llm.CompletionRequest{SystemPrompt: "Seja breve.", KnowledgeContext: "kc"},
			want: "Seja breve. Contexto adicional: kc",
		},
		{
			name: "context already embedded",
			req:  llm.CompletionRequest{SystemPrompt: llm.SystemPrompt("kc"), KnowledgeContext: "kc"},
			want: llm.SystemPrompt("kc"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := llm.ResolveSystemPrompt(tt.req); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	req := llm.CompletionRequest{}.WithDefaults()
	if req.Temperature != llm.DefaultTemperature || req.MaxTokens != llm.DefaultMaxTokens {
		t.Errorf("defaults not applied: %+v", req)
	}
	req = llm.CompletionRequest{Temperature: 0.2, MaxTokens: 50}.WithDefaults()
	if req.Temperature != 0.2 || req.MaxTokens != 50 {
		t.Errorf("explicit values overwritten: %+v", req)
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()

	ch := make(chan llm.Chunk, 3)
	ch <- llm.Chunk{Text: "Olá"}
	ch <- llm.Chunk{Text: ", mundo", FinishReason: "stop"}
	close(ch)

	got, err := llm.Collect(ch)
	if err != nil || got != "Olá, mundo" {
		t.Errorf("Collect = %q, %v", got, err)
	}

	ch = make(chan llm.Chunk, 3)
	ch <- llm.Chunk{Text: "parcial"}
	ch <- llm.Chunk{Text: "boom", FinishReason: "error"}
	close(ch)

	got, err = llm.Collect(ch)
	var se *llm.StreamError
	if !errors.As(err, &se) || se.Message != "boom" {
		t.Errorf("err = %v; want StreamError{boom}", err)
	}
	if got != "parcial" {
		t.Errorf("partial = %q", got)
	}
}
