//go:build !linux

package forwarder

import (
	"syscall"
	"time"
)

// TCP_USER_TIMEOUT is Linux-only; elsewhere keepalive alone applies.
func userTimeoutControl(time.Duration) func(network, address string, c syscall.RawConn) error {
	return nil
}
