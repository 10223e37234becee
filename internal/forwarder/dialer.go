package forwarder

import (
	"context"
	"net"
	"time"
)

// DialFunc opens the TCP connection; NewDialer(...).DialContext in production.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewDialer returns a dialer with TCP keepalive and, where supported, a
// TCP_USER_TIMEOUT so a silently dead peer is noticed while data is pending.
func NewDialer(connectTimeout, keepAlive, userTimeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: keepAlive,
		Control:   userTimeoutControl(userTimeout),
	}
}
