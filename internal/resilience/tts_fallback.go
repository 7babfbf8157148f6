package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover from remote synthesis
// to local synthesis. Each backend has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend. Empty text is never retried on a fallback.
func NewTTSFallback(primary tts.Provider, cfg FallbackConfig) *TTSFallback {
	final := cfg.Final
	cfg.Final = func(err error) bool {
		if errors.Is(err, tts.ErrEmptyText) {
			return true
		}
		if final != nil {
			return final(err)
		}
		return isCanceled(err)
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(provider tts.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Name lists the chain, e.g. "google>espeak".
func (f *TTSFallback) Name() string { return strings.Join(f.group.Names(), ">") }

// Synthesize renders text with the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.Buffer, error) {
	buf, _, err := f.SynthesizeVia(ctx, text, voice)
	return buf, err
}

// SynthesizeVia is Synthesize that also reports which provider produced the
// audio.
func (f *TTSFallback) SynthesizeVia(ctx context.Context, text string, voice tts.Voice) (audio.Buffer, string, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (audio.Buffer, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
