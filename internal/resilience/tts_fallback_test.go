package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/tts"
	ttsmock "github.com/umindsales/magus/pkg/provider/tts/mock"
)

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{ProviderName: "google", Result: audio.Buffer{Samples: []float32{0.5}, SampleRate: 24000, Channels: 1}}
	local := &ttsmock.Provider{ProviderName: "espeak"}

	fb := NewTTSFallback(primary, FallbackConfig{})
	fb.AddFallback(local)

	buf, via, err := fb.SynthesizeVia(context.Background(), "Olá", tts.DefaultVoice())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if via != "google" || len(buf.Samples) != 1 {
		t.Errorf("via = %q samples = %d", via, len(buf.Samples))
	}
	if local.CallCount() != 0 {
		t.Errorf("local called %d times, want 0", local.CallCount())
	}
	if fb.Name() != "google>espeak" {
		t.Errorf("Name() = %q", fb.Name())
	}
}

func TestTTSFallback_RemoteFailureUsesLocal(t *testing.T) {
	primary := &ttsmock.Provider{ProviderName: "google", Err: audio.ErrUnsupportedEncoding}
	local := &ttsmock.Provider{ProviderName: "espeak", Result: audio.Buffer{Samples: []float32{0.1, 0.2}, SampleRate: 22050, Channels: 1}}

	fb := NewTTSFallback(primary, FallbackConfig{})
	fb.AddFallback(local)

	buf, err := fb.Synthesize(context.Background(), "Olá", tts.DefaultVoice())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want local audio", buf.SampleRate)
	}
	calls := local.Calls()
	if len(calls) != 1 || calls[0].Text != "Olá" || calls[0].Voice.LanguageCode != "pt-BR" {
		t.Errorf("local calls = %+v", calls)
	}
}

func TestTTSFallback_EmptyTextNotRetried(t *testing.T) {
	primary := &ttsmock.Provider{ProviderName: "google", Err: tts.ErrEmptyText}
	local := &ttsmock.Provider{ProviderName: "espeak"}

	fb := NewTTSFallback(primary, FallbackConfig{})
	fb.AddFallback(local)

	if _, err := fb.Synthesize(context.Background(), "", tts.Voice{}); !errors.Is(err, tts.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
	if local.CallCount() != 0 {
		t.Error("empty text must not reach the fallback")
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	fb := NewTTSFallback(&ttsmock.Provider{Err: errTest}, FallbackConfig{})
	fb.AddFallback(&ttsmock.Provider{ProviderName: "espeak", Err: errors.New("espeak missing")})

	if _, err := fb.Synthesize(context.Background(), "Olá", tts.Voice{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
