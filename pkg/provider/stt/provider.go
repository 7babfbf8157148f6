// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Text-only live backends cannot take microphone audio directly; the session
// orchestrator streams capture audio into an STT session instead and sends
// each final transcript as a text turn.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by [SessionHandle.SendAudio] after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Capture audio is 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "pt-BR").
	// An empty string selects the provider default.
	Language string

	// Keywords are vocabulary hints such as product names ("MAGUS").
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of little-endian PCM16 audio matching the
	// StreamConfig.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session and releases its resources. Idempotent.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
