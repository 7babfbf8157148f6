package main

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/umindsales/magus/internal/auth"
	"github.com/umindsales/magus/internal/config"
	"github.com/umindsales/magus/internal/observe"
	"github.com/umindsales/magus/internal/resilience"
	"github.com/umindsales/magus/pkg/provider/llm"
	llmmock "github.com/umindsales/magus/pkg/provider/llm/mock"
	"github.com/umindsales/magus/pkg/provider/tts"
	ttsmock "github.com/umindsales/magus/pkg/provider/tts/mock"
)

func TestRelayURL(t *testing.T) {
	tests := map[string]string{
		"https://magus.example.com":  "wss://magus.example.com/functions/v1/stream-google",
		"https://magus.example.com/": "wss://magus.example.com/functions/v1/stream-google",
		"http://localhost:54321":     "ws://localhost:54321/functions/v1/stream-google",
	}
	for in, want := range tests {
		if got := relayURL(in); got != want {
			t.Errorf("relayURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestBuildProviders_BuiltinsAndFallbacks(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{URL: "https://magus.example.com", AccessToken: "tok"},
		Session: config.SessionConfig{Language: "pt-BR"},
		Providers: config.ProvidersConfig{
			Live:         config.ProviderEntry{Name: "relay"},
			Chat:         config.ProviderEntry{Name: "edge-openai"},
			FallbackChat: []config.ProviderEntry{{Name: "edge-claude"}},
			TTS:          config.ProviderEntry{Name: "mock"},
			FallbackTTS:  []config.ProviderEntry{{Name: "mock"}},
		},
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg, cfg, auth.NewStatic("tok"))
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })

	ps, err := buildProviders(context.Background(), cfg, reg, testMetrics(t))
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Live == nil || ps.Live.Name() != "relay" {
		t.Errorf("live: got %v", ps.Live)
	}
	if _, ok := ps.Chat.(*resilience.LLMFallback); !ok {
		t.Errorf("chat with fallbacks should be an LLMFallback, got %T", ps.Chat)
	}
	if _, ok := ps.TTS.(*resilience.TTSFallback); !ok {
		t.Errorf("tts with fallbacks should be a TTSFallback, got %T", ps.TTS)
	}
	if ps.STT != nil {
		t.Errorf("stt should be nil when not configured, got %T", ps.STT)
	}
}

func TestBuildProviders_OneshotUsesChat(t *testing.T) {
	chat := &llmmock.Provider{ProviderName: "mock-chat"}
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Live: config.ProviderEntry{Name: "oneshot"},
			Chat: config.ProviderEntry{Name: "mock"},
		},
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg, cfg, auth.NewStatic(""))
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return chat, nil })

	ps, err := buildProviders(context.Background(), cfg, reg, testMetrics(t))
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if got := ps.Live.Name(); got != "mock-chat" {
		t.Errorf("oneshot live provider should be named after its chat backend, got %q", got)
	}
	if ps.Live.Capabilities().AudioInput {
		t.Error("oneshot should not take audio input")
	}
}

func TestBuildProviders_UnknownLive(t *testing.T) {
	cfg := &config.Config{Providers: config.ProvidersConfig{Live: config.ProviderEntry{Name: "carrier-pigeon"}}}
	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg, cfg, auth.NewStatic(""))

	_, err := buildProviders(context.Background(), cfg, reg, testMetrics(t))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
}
