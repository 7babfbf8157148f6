package live

import (
	"fmt"

	"github.com/umindsales/magus/pkg/audio"
)

// Message is a value sent from the client to the backend: one of [Setup] or
// [ClientTurn].
type Message interface {
	isMessage()
}

// Setup is the first message on every connection.
type Setup struct {
	// Model is the backend model identifier, without any "models/" prefix.
	Model string

	// GenerationConfig tunes the reply.
	GenerationConfig GenerationConfig

	// SystemInstruction is the system prompt.
	SystemInstruction string

	// KnowledgeContext is free text the backend should use as grounding.
	// Backends without a setup frame attach it to every turn instead.
	KnowledgeContext string
}

// GenerationConfig holds reply generation parameters. Zero values leave the
// backend default in place.
type GenerationConfig struct {
	// ResponseModalities lists the reply kinds requested, e.g. "AUDIO", "TEXT".
	ResponseModalities []string

	// Voice is a backend-specific prebuilt voice name.
	Voice string

	Temperature     *float64
	MaxOutputTokens int
}

// ClientTurn is a unit of user input.
type ClientTurn struct {
	// Role is "user" for end-user input.
	Role string

	Parts []Part

	// TurnComplete tells the backend to start replying.
	TurnComplete bool
}

// Part is one piece of a [ClientTurn]: either text or inline audio.
type Part struct {
	Text string

	// Audio is PCM16 little-endian mono.
	Audio []byte

	// MIMEType describes Audio, e.g. "audio/pcm;rate=16000".
	MIMEType string
}

func (Setup) isMessage()      {}
func (ClientTurn) isMessage() {}

// TextTurn returns a complete user turn carrying text.
func TextTurn(text string) ClientTurn {
	return ClientTurn{Role: "user", Parts: []Part{{Text: text}}, TurnComplete: true}
}

// AudioTurn returns a streaming user turn carrying one chunk of PCM16 audio
// captured at sampleRate.
func AudioTurn(pcm []byte, sampleRate int) ClientTurn {
	return ClientTurn{
		Role:  "user",
		Parts: []Part{{Audio: pcm, MIMEType: PCMMIMEType(sampleRate)}},
	}
}

// PCMMIMEType returns the MIME type of raw PCM16 at rate.
func PCMMIMEType(rate int) string {
	if rate <= 0 {
		rate = audio.CaptureRate
	}
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// Text concatenates the text parts of t.
func (t ClientTurn) Text() string {
	var s string
	for _, p := range t.Parts {
		s += p.Text
	}
	return s
}

// AudioOnly reports whether t carries audio and nothing else.
func (t ClientTurn) AudioOnly() bool {
	if len(t.Parts) == 0 {
		return false
	}
	for _, p := range t.Parts {
		if len(p.Audio) == 0 || p.Text != "" {
			return false
		}
	}
	return true
}
