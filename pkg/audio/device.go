// Package audio holds the sample format, PCM16 wire codec and device
// abstractions of a live voice session.
//
// The two device abstractions are:
//
//   - [Capture]: a microphone that yields mono float sample blocks.
//   - [Player]: a speaker that plays [Buffer] values in submission order.
//
// Concrete devices live in sub-packages (audio/miniaudio); audio/mock provides
// in-memory doubles for tests.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned when an audio device cannot be acquired,
// e.g. because no microphone is present or permission was denied.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Capture is a microphone input.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Open starts capturing and returns a channel of mono sample blocks at the
	// capture's native rate. The channel is closed when ctx is cancelled or
	// Close is called. Returns an error wrapping [ErrDeviceUnavailable] when
	// the device cannot be acquired.
	Open(ctx context.Context) (<-chan Buffer, error)

	// Close stops capturing and releases the device. Safe to call more than
	// once and before Open.
	Close() error
}

// Player is an audio output.
//
// Implementations must be safe for concurrent use.
type Player interface {
	// Play schedules buf for playback after anything already queued and
	// returns without waiting for it to be heard.
	Play(buf Buffer) error

	// Flush discards queued audio and cuts off whatever is currently playing.
	Flush()

	// Close stops playback and releases the device. Safe to call more than once.
	Close() error
}
