package audio

import "time"

// Standard sample rates of a live voice session.
const (
	// CaptureRate is the rate microphone audio is captured and transmitted at.
	CaptureRate = 16000

	// PlaybackRate is the rate model speech is delivered and played back at.
	PlaybackRate = 24000
)

// Buffer is a block of normalised float samples in the range [-1, 1].
// Multi-channel audio is interleaved.
type Buffer struct {
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono. Live sessions are always mono.
	Channels int
}

// Frames returns the number of sample frames in the buffer.
func (b Buffer) Frames() int {
	if b.Channels <= 1 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer. A buffer with no
// sample rate has zero duration.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
