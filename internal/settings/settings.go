// Package settings holds the immutable runtime configuration handed to the
// forwarding core. Loading it (flags, env, file) is the command's job.
package settings

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kstaniek/go-ais-forwarder/internal/backoff"
	"github.com/kstaniek/go-ais-forwarder/internal/queue"
)

// Defaults.
const (
	DefaultBaudRate       = 38400
	DefaultReadTimeout    = 2 * time.Second
	DefaultTargetHost     = "127.0.0.1"
	DefaultTargetPort     = 10110
	DefaultQueueCapacity  = 1000
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	DefaultUserTimeout    = 30 * time.Second
	DefaultFlushTimeout   = 2 * time.Second
	DefaultMaxLineLength  = 1024
)

var ErrInvalid = errors.New("invalid settings")

// Settings is passed by value; the core never mutates it.
type Settings struct {
	SerialDevice string
	BaudRate     int
	ReadTimeout  time.Duration

	TargetHost string
	TargetPort int

	QueueCapacity int
	QueuePolicy   queue.Policy

	// MaxRetries caps consecutive failed TCP connects; 0 retries forever.
	MaxRetries int
	// SerialMaxRetries caps consecutive failed device opens; 0 retries forever.
	SerialMaxRetries int
	Backoff          backoff.Policy

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration
	// UserTimeout bounds how long unacknowledged data may sit in the kernel
	// send buffer before the connection is dropped (Linux only). 0 leaves the
	// system default.
	UserTimeout  time.Duration
	FlushTimeout time.Duration

	MaxLineLength int
}

// Default returns settings with every tunable at its default. SerialDevice is
// left empty and must be provided.
func Default() Settings {
	return Settings{
		BaudRate:       DefaultBaudRate,
		ReadTimeout:    DefaultReadTimeout,
		TargetHost:     DefaultTargetHost,
		TargetPort:     DefaultTargetPort,
		QueueCapacity:  DefaultQueueCapacity,
		QueuePolicy:    queue.PolicyDropOldest,
		Backoff:        backoff.Default(),
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		KeepAlive:      DefaultKeepAlive,
		UserTimeout:    DefaultUserTimeout,
		FlushTimeout:   DefaultFlushTimeout,
		MaxLineLength:  DefaultMaxLineLength,
	}
}

// Addr is the TCP endpoint in host:port form.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort))
}

// Validate reports the first problem found.
func (s Settings) Validate() error {
	switch {
	case s.SerialDevice == "":
		return fmt.Errorf("%w: serial device is required", ErrInvalid)
	case s.BaudRate <= 0:
		return fmt.Errorf("%w: baud rate must be > 0", ErrInvalid)
	case s.ReadTimeout <= 0:
		return fmt.Errorf("%w: read timeout must be > 0", ErrInvalid)
	case s.TargetHost == "":
		return fmt.Errorf("%w: target host is required", ErrInvalid)
	case s.TargetPort <= 0 || s.TargetPort > 65535:
		return fmt.Errorf("%w: target port %d out of range", ErrInvalid, s.TargetPort)
	case s.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue capacity must be > 0", ErrInvalid)
	case s.QueuePolicy < queue.PolicyDropOldest || s.QueuePolicy > queue.PolicyBlock:
		return fmt.Errorf("%w: unknown queue policy %v", ErrInvalid, s.QueuePolicy)
	case s.MaxRetries < 0 || s.SerialMaxRetries < 0:
		return fmt.Errorf("%w: retry caps must be >= 0", ErrInvalid)
	case s.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect timeout must be > 0", ErrInvalid)
	case s.WriteTimeout <= 0:
		return fmt.Errorf("%w: write timeout must be > 0", ErrInvalid)
	case s.KeepAlive < 0 || s.UserTimeout < 0 || s.FlushTimeout < 0:
		return fmt.Errorf("%w: keepalive, user and flush timeouts must be >= 0", ErrInvalid)
	case s.MaxLineLength < 16:
		return fmt.Errorf("%w: max line length must be >= 16", ErrInvalid)
	}
	if err := s.Backoff.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
