package session

import (
	"context"
	"errors"

	"github.com/umindsales/magus/internal/auth"
	"github.com/umindsales/magus/pkg/audio"
	"github.com/umindsales/magus/pkg/provider/edge"
	"github.com/umindsales/magus/pkg/provider/live"
)

// Sentinel errors. Every error surfaced by this package, returned or reported
// through [Status.Err], wraps one of them.
var (
	// ErrAuthRequired means no user credential is available.
	ErrAuthRequired = errors.New("session: authentication required")

	// ErrDeviceUnavailable means the microphone or speaker could not be acquired.
	ErrDeviceUnavailable = errors.New("session: audio device unavailable")

	// ErrTransport covers dial failures, connect timeouts and dropped connections.
	ErrTransport = errors.New("session: transport failure")

	// ErrRemoteAPI is an error reported by the backend or a speech provider.
	ErrRemoteAPI = errors.New("session: remote API error")

	// ErrProtocol is an inbound frame that could not be parsed.
	ErrProtocol = errors.New("session: protocol error")

	// ErrAlreadyActive is returned by StartConversation while a conversation runs.
	ErrAlreadyActive = errors.New("session: conversation already active")

	// ErrInvalidState is an operation not legal in the current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrReplyTimeout means a sent turn got no reply in time.
	ErrReplyTimeout = errors.New("session: reply timed out")
)

// ErrorKind classifies an error for metrics and status text.
type ErrorKind string

// Error kinds reported by [Kind].
const (
	KindNone      ErrorKind = ""
	KindAuth      ErrorKind = "auth"
	KindDevice    ErrorKind = "device"
	KindTransport ErrorKind = "transport"
	KindRemote    ErrorKind = "remote"
	KindProtocol  ErrorKind = "protocol"
	KindTimeout   ErrorKind = "timeout"
	KindState     ErrorKind = "state"
	KindUnknown   ErrorKind = "unknown"
)

// Kind classifies err. Errors from lower layers are recognised by their own
// sentinels, so callers need not wrap them first.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthRequired), errors.Is(err, auth.ErrNoCredential), errors.Is(err, edge.ErrUnauthorized):
		return KindAuth
	case errors.Is(err, ErrDeviceUnavailable), errors.Is(err, audio.ErrDeviceUnavailable):
		return KindDevice
	case errors.Is(err, ErrReplyTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrProtocol), errors.Is(err, live.ErrMalformedFrame):
		return KindProtocol
	case errors.Is(err, ErrRemoteAPI), errors.Is(err, live.ErrRemote):
		return KindRemote
	case errors.Is(err, ErrTransport), errors.Is(err, live.ErrClosed):
		return KindTransport
	case errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrInvalidState):
		return KindState
	default:
		return KindUnknown
	}
}
