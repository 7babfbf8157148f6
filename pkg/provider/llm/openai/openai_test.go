package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/umindsales/magus/pkg/provider/llm"
)

// TestConvertMessage_Roles checks that every supported role maps to the right
// SDK union member.
func TestConvertMessage_Roles(t *testing.T) {
	tests := []struct {
		role  string
		check func(t *testing.T, m llm.Message)
	}{
		{"system", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("expected OfSystem, err=%v", err)
			}
		}},
		{"user", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("expected OfUser, err=%v", err)
			}
		}},
		{"assistant", func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("expected OfAssistant, err=%v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			tt.check(t, llm.Message{Role: tt.role, Content: "Olá"})
		})
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

// TestNew_Validation checks constructor argument handling.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != DefaultModel {
		t.Errorf("model = %q, want %q", p.model, DefaultModel)
	}
}

// TestBuildParams_SystemPromptFirst checks that the MAGUS prompt with the
// knowledge context leads the message list.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p, _ := New("sk-test", "")
	params, err := p.buildParams(llm.CompletionRequest{
		Messages:         []llm.Message{{Role: "user", Content: "Oi"}},
		KnowledgeContext: "Preço: R$ 10",
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Fatal("first message must be the system prompt")
	}
	if got := params.Temperature.Value; got != llm.DefaultTemperature {
		t.Errorf("temperature = %v, want %v", got, llm.DefaultTemperature)
	}
}

// TestComplete_AgainstFakeServer exercises the full request path against a
// local Chat Completions endpoint.
func TestComplete_AgainstFakeServer(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Olá! Como posso ajudar?"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "Oi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Olá! Como posso ajudar?" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Model != "gpt-4o-mini" || resp.Usage.TotalTokens != 15 {
		t.Errorf("model/usage = %q/%+v", resp.Model, resp.Usage)
	}
	if gotBody["model"] != "gpt-4o-mini" {
		t.Errorf("request model = %v", gotBody["model"])
	}
}
