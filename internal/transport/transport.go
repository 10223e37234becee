package transport

import (
	"errors"
	"fmt"
)

// State is the connection state of one transport. Exactly one holds at a time.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON health documents.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrRetriesExhausted is returned by Run once the configured cap of
	// consecutive failed opens is reached.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrFatal marks serve errors that must stop the whole service instead of
	// triggering a reconnect.
	ErrFatal = errors.New("fatal")
	// ErrWorkerPanic wraps a panic recovered at the worker boundary.
	ErrWorkerPanic = errors.New("worker panic")
)

// IsFatal reports whether err ends the reconnect loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, ErrRetriesExhausted)
}
