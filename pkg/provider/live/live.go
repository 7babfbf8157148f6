// Package live defines the wire-level abstractions of a live conversational
// session with a generative-AI backend.
//
// A session is a sequence of [Message] values sent to the backend and a
// sequence of [Event] values received from it. Every backend differs in how
// those values look on the wire, so a [Provider] supplies two pieces:
//
//   - a [Conn], the raw frame transport (a WebSocket, or an in-process
//     request/response adapter), and
//   - a [Codec], which turns messages into frames and frames into events.
//
// Connection state, queuing and reconnection are the caller's business (see
// internal/session); implementations here are stateless beyond a single
// connection.
package live

import (
	"context"
	"errors"
)

// Sentinel errors classifying backend failures.
var (
	// ErrMalformedFrame is returned by [Codec.Decode] when a frame cannot be
	// parsed. The frame is dropped; the connection stays usable.
	ErrMalformedFrame = errors.New("live: malformed frame")

	// ErrRemote marks an error reported by the backend itself.
	ErrRemote = errors.New("live: remote error")

	// ErrClosed is returned by [Conn] methods after Close.
	ErrClosed = errors.New("live: connection closed")
)

// Conn is a bidirectional frame transport.
//
// WriteFrame and ReadFrame may be called concurrently with each other, but
// each must only be called from one goroutine at a time.
type Conn interface {
	// WriteFrame transmits one frame.
	WriteFrame(ctx context.Context, frame []byte) error

	// ReadFrame blocks until the next frame arrives. It returns an error when
	// the connection is closed by either side.
	ReadFrame(ctx context.Context) ([]byte, error)

	// Close tears the connection down. Idempotent.
	Close() error
}

// Codec translates between session values and wire frames for one connection.
// A Codec may keep per-connection state (e.g. accumulated reply text), so a
// fresh one must be obtained from [Provider.NewCodec] for every connection.
type Codec interface {
	// Encode converts msg into a frame. A nil frame with a nil error means the
	// message has no wire representation on this backend and nothing should
	// be written.
	Encode(msg Message) ([]byte, error)

	// Decode converts one inbound frame into zero or more events, in order.
	// Unparseable frames return an error wrapping [ErrMalformedFrame].
	Decode(frame []byte) ([]Event, error)
}

// FrameEncoder is implemented by codecs that need several frames for one
// message, e.g. an item followed by a request to reply to it.
type FrameEncoder interface {
	EncodeFrames(msg Message) ([][]byte, error)
}

// EncodeFrames encodes msg with c and returns the frames to write, in order.
// Codecs that do not implement [FrameEncoder] yield at most one frame.
func EncodeFrames(c Codec, msg Message) ([][]byte, error) {
	if fe, ok := c.(FrameEncoder); ok {
		return fe.EncodeFrames(msg)
	}
	frame, err := c.Encode(msg)
	if err != nil || frame == nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Capabilities describes what a backend accepts and produces.
type Capabilities struct {
	// AudioInput is true when [ClientTurn] values may carry inline audio.
	AudioInput bool

	// AudioOutput is true when replies carry synthesised speech. When false
	// the caller is expected to speak [StreamComplete] text itself.
	AudioOutput bool
}

// Provider is a live backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Capabilities reports static properties of the backend.
	Capabilities() Capabilities

	// Dial opens a new connection. ctx bounds the dial only.
	Dial(ctx context.Context) (Conn, error)

	// NewCodec returns a codec for a single connection.
	NewCodec() Codec
}
