package live

import (
	"strconv"
	"strings"

	"github.com/umindsales/magus/pkg/audio"
)

// Event is a value received from the backend: one of [ConnectionEstablished],
// [StreamStart], [StreamChunk], [StreamComplete], [ModelTurn], [Interrupted]
// or [ErrorEvent].
type Event interface {
	isEvent()
}

// ConnectionEstablished acknowledges the connection (and setup, where the
// backend has one).
type ConnectionEstablished struct{}

// StreamStart marks the beginning of a reply.
type StreamStart struct{}

// StreamChunk is an incremental piece of reply text.
type StreamChunk struct {
	TextDelta string

	// CumulativeText is the reply text so far, including TextDelta.
	CumulativeText string
}

// StreamComplete marks the end of a reply.
type StreamComplete struct {
	FinalText string

	// Provider names the model backend that produced the reply, when known.
	Provider string
}

// ModelTurn carries a non-incremental reply part: text, audio, or both.
type ModelTurn struct {
	Text string

	// Audio is PCM16 little-endian mono at SampleRate.
	Audio      []byte
	SampleRate int
}

// Interrupted means the backend abandoned the reply in progress.
type Interrupted struct{}

// ErrorEvent reports a backend or protocol error.
type ErrorEvent struct {
	Message string

	// Err wraps [ErrRemote] or [ErrMalformedFrame].
	Err error
}

func (ConnectionEstablished) isEvent() {}
func (StreamStart) isEvent()           {}
func (StreamChunk) isEvent()           {}
func (StreamComplete) isEvent()        {}
func (ModelTurn) isEvent()             {}
func (Interrupted) isEvent()           {}
func (ErrorEvent) isEvent()            {}

// Buffer decodes the turn's audio into a playable buffer.
func (m ModelTurn) Buffer() audio.Buffer {
	rate := m.SampleRate
	if rate <= 0 {
		rate = audio.PlaybackRate
	}
	return audio.DecodePCM16(m.Audio, rate)
}

// RateFromMIMEType extracts the rate parameter of a PCM MIME type such as
// "audio/pcm;rate=24000". It returns fallback when absent or invalid.
func RateFromMIMEType(mimeType string, fallback int) int {
	for param := range strings.SplitSeq(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "rate" {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}
