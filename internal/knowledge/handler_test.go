package knowledge

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postSearch(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/knowledge/search", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec, out
}

func TestHandler_Search(t *testing.T) {
	h := Handler(NewService([]Source{catalog}))
	rec, out := postSearch(t, h, `{"query":"garantia","userId":"u1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["searchQuery"] != "garantia" || out["totalKnowledgeBases"] != float64(3) {
		t.Errorf("response = %v", out)
	}
	results := out["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v", results)
	}
	first := results[0].(map[string]any)
	if first["id"] != "kb-3" || first["relevantContent"] == "" {
		t.Errorf("result = %v", first)
	}
	if !strings.HasPrefix(out["context"].(string), "Garantia: ") {
		t.Errorf("context = %v", out["context"])
	}
}

func TestHandler_NoBases(t *testing.T) {
	h := Handler(NewService([]Source{Static{}}))
	rec, out := postSearch(t, h, `{"query":"qualquer"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["message"] != NoBasesMessage || out["context"] != "" {
		t.Errorf("response = %v", out)
	}
	if results := out["results"].([]any); len(results) != 0 {
		t.Errorf("results = %v", results)
	}
}

func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		svc    *Service
		method string
		body   string
		status int
	}{
		{"bad json", NewService([]Source{catalog}), http.MethodPost, `{`, http.StatusBadRequest},
		{"blank query", NewService([]Source{catalog}), http.MethodPost, `{"query":""}`, http.StatusBadRequest},
		{"source down", NewService([]Source{failingSource{errors.New("db down")}}), http.MethodPost, `{"query":"x"}`, http.StatusInternalServerError},
		{"wrong method", NewService([]Source{catalog}), http.MethodGet, ``, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/knowledge/search", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			Handler(tt.svc).ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var out map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out["error"] == "" || out["error"] == nil {
				t.Errorf("no error message in %v", out)
			}
		})
	}
}
