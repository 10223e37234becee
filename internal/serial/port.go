package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability. The forwarder only ever reads
// from the device.
type Port interface {
	Read(p []byte) (int, error)
	Close() error
}

// OpenFunc opens a serial device; Open is the production implementation.
type OpenFunc func(name string, baud int, readTimeout time.Duration) (Port, error)

// Open configures 8N1 at the given baud rate. A read that sees no data within
// readTimeout returns (0, io.EOF).
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
