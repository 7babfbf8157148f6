package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/umindsales/magus/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-2", q.Get("model"))
	assertEqual(t, "language", "pt-BR", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if _, ok := q["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

func TestBuildURL_Overrides(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("en-US"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name     string
		cfg      stt.StreamConfig
		wantLang string
		wantRate string
	}{
		{"provider defaults", stt.StreamConfig{}, "en-US", "48000"},
		{"config wins", stt.StreamConfig{Language: "pt-PT", SampleRate: 16000}, "pt-PT", "16000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawURL, err := p.buildURL(tt.cfg)
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			u, _ := url.Parse(rawURL)
			q := u.Query()
			assertEqual(t, "model", "base", q.Get("model"))
			assertEqual(t, "language", tt.wantLang, q.Get("language"))
			assertEqual(t, "sample_rate", tt.wantRate, q.Get("sample_rate"))
		})
	}
}

func TestBuildURL_Keywords(t *testing.T) {
	p, _ := New("key")
	rawURL, err := p.buildURL(stt.StreamConfig{
		Keywords: []stt.KeywordBoost{{Keyword: "MAGUS", Boost: 5}, {Keyword: "UMIND", Boost: 2.5}},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 || kws[0] != "MAGUS:5" || kws[1] != "UMIND:2.5" {
		t.Errorf("keywords = %v", kws)
	}
}

// ---- JSON parsing tests ----

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantText  string
		wantFinal bool
	}{
		{
			name:      "final",
			raw:       `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Olá MAGUS","confidence":0.95}]}}`,
			wantOK:    true,
			wantText:  "Olá MAGUS",
			wantFinal: true,
		},
		{
			name:     "partial",
			raw:      `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":" Olá ","confidence":0.7}]}}`,
			wantOK:   true,
			wantText: "Olá",
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "blank transcript", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"  "}]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, ok := parseResponse([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			assertEqual(t, "text", tt.wantText, tr.Text)
			if tr.IsFinal != tt.wantFinal {
				t.Errorf("IsFinal = %v, want %v", tr.IsFinal, tt.wantFinal)
			}
		})
	}
}

// ---- Streaming round trip ----

func TestStartStream_RoundTrip(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotAudio := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			t.Errorf("expected binary audio, got %v %v", typ, err)
			return
		}
		gotAudio <- data

		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Olá"}]}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Olá MAGUS"}]}}`))

		// Wait for CloseStream.
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	p, _ := New("dg-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	assertEqual(t, "auth", "Token dg-key", <-gotAuth)
	if got := <-gotAudio; len(got) != 4 {
		t.Errorf("server got %d audio bytes, want 4", len(got))
	}

	select {
	case tr := <-sess.Partials():
		assertEqual(t, "partial", "Olá", tr.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for partial")
	}
	select {
	case tr := <-sess.Finals():
		assertEqual(t, "final", "Olá MAGUS", tr.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for final")
	}

	if err := sess.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); err != stt.ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
