package service

import (
	"errors"

	"github.com/kstaniek/go-ais-forwarder/internal/forwarder"
	"github.com/kstaniek/go-ais-forwarder/internal/metrics"
	"github.com/kstaniek/go-ais-forwarder/internal/serial"
	"github.com/kstaniek/go-ais-forwarder/internal/transport"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrAlreadyStarted = errors.New("service already started")
	ErrStopTimeout    = errors.New("stop timeout")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, transport.ErrWorkerPanic):
		return metrics.ErrWorkerPanic
	case errors.Is(err, serial.ErrOpen):
		return metrics.ErrSerialOpen
	case errors.Is(err, serial.ErrRead), errors.Is(err, serial.ErrDeviceGone):
		return metrics.ErrSerialRead
	case errors.Is(err, forwarder.ErrDial):
		return metrics.ErrTCPDial
	case errors.Is(err, forwarder.ErrWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, forwarder.ErrPeerClosed):
		return metrics.ErrTCPPeerClosed
	default:
		return metrics.ErrFatal
	}
}
