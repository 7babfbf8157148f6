// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (Google Cloud TTS, OpenAI,
// ElevenLabs, or a local espeak-ng binary) and turns one reply text into
// playable audio. Request/response sessions speak every text reply through a
// provider; duplex sessions use one only when the backend returns no audio.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/umindsales/magus/pkg/audio"
)

// ErrEmptyText is returned when there is nothing to synthesise.
var ErrEmptyText = errors.New("tts: text is required")

// ErrNoAudio is returned when the backend answered without audio content.
var ErrNoAudio = errors.New("tts: no audio in response")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Synthesize renders text with voice and returns mono audio at whatever
	// rate the backend produces; players convert as needed. A zero Voice
	// selects the provider default.
	Synthesize(ctx context.Context, text string, voice Voice) (audio.Buffer, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	// ListVoices returns the voices available for languageCode, or all voices
	// when languageCode is empty.
	ListVoices(ctx context.Context, languageCode string) ([]Voice, error)
}
