package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kstaniek/go-ais-forwarder/internal/backoff"
	"github.com/kstaniek/go-ais-forwarder/internal/logging"
	"github.com/kstaniek/go-ais-forwarder/internal/metrics"
	"github.com/kstaniek/go-ais-forwarder/internal/queue"
	"github.com/kstaniek/go-ais-forwarder/internal/sentence"
	"github.com/kstaniek/go-ais-forwarder/internal/transport"
)

const (
	readBufSize = 4096 // per read() buffer
	// largeBufferReclaimThreshold is the capacity above which the line
	// accumulator is discarded and reallocated once empty, so a burst of noise
	// does not pin a large backing array.
	largeBufferReclaimThreshold = 16 * 1024
	// maxFastEmptyReads consecutive empty reads that return well before the
	// read timeout mean the device node is still open but the hardware is gone
	// (USB adapter unplugged).
	maxFastEmptyReads = 50
)

var (
	ErrOpen       = errors.New("serial open")
	ErrRead       = errors.New("serial read")
	ErrDeviceGone = errors.New("serial device not responding")
)

// ReaderConfig is the slice of the settings the serial side needs.
type ReaderConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
	MaxLine     int
	MaxRetries  int
	Backoff     backoff.Policy
}

// Reader owns the serial device: it keeps it open, splits the byte stream into
// sentences and hands them to the forward queue. It never touches the network.
type Reader struct {
	cfg    ReaderConfig
	q      *queue.Queue
	open   OpenFunc
	now    func() time.Time
	logger *slog.Logger
	rc     *transport.Reconnector[Port]

	// line state, touched only by serve
	codec Codec
	acc   *bytes.Buffer
}

type ReaderOption func(*readerOpts)

type readerOpts struct {
	open   OpenFunc
	sleep  transport.SleepFunc
	now    func() time.Time
	logger *slog.Logger
}

// WithOpener replaces the device opener (tests, PTYs).
func WithOpener(fn OpenFunc) ReaderOption {
	return func(o *readerOpts) {
		if fn != nil {
			o.open = fn
		}
	}
}

func WithSleep(fn transport.SleepFunc) ReaderOption { return func(o *readerOpts) { o.sleep = fn } }

func WithClock(now func() time.Time) ReaderOption {
	return func(o *readerOpts) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(l *slog.Logger) ReaderOption {
	return func(o *readerOpts) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewReader wires a reader that feeds q.
func NewReader(cfg ReaderConfig, q *queue.Queue, opts ...ReaderOption) *Reader {
	o := readerOpts{open: Open, now: time.Now, logger: logging.L()}
	for _, fn := range opts {
		fn(&o)
	}
	r := &Reader{
		cfg:    cfg,
		q:      q,
		open:   o.open,
		now:    o.now,
		logger: o.logger.With("device", cfg.Device),
		codec:  Codec{MaxLine: cfg.MaxLine},
		acc:    bytes.NewBuffer(nil),
	}
	r.rc = transport.NewReconnector(metrics.TransportSerial, r.openPort, r.serve, cfg.Backoff,
		transport.WithMaxRetries(cfg.MaxRetries),
		transport.WithSleep(o.sleep),
		transport.WithLogger(r.logger),
		transport.WithHooks(transport.Hooks{
			OnState:     func(s transport.State) { metrics.SetState(metrics.TransportSerial, int(s)) },
			OnRetry:     func(int, time.Duration) { metrics.IncRetry(metrics.TransportSerial) },
			OnConnect:   func() { metrics.IncConnect(metrics.TransportSerial) },
			OnOpenError: func(error) { metrics.IncError(metrics.ErrSerialOpen) },
		}),
	)
	return r
}

// Run blocks until ctx ends (nil) or the serial side hits a fatal condition.
func (r *Reader) Run(ctx context.Context) error { return r.rc.Run(ctx) }

func (r *Reader) State() transport.State { return r.rc.State() }
func (r *Reader) Retries() int           { return r.rc.Retries() }
func (r *Reader) Reconnects() uint64     { return r.rc.Reconnects() }

// Abort closes the device handle so a stuck read returns.
func (r *Reader) Abort() { r.rc.Abort() }

func (r *Reader) openPort(context.Context) (Port, error) {
	p, err := r.open(r.cfg.Device, r.cfg.Baud, r.cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, r.cfg.Device, err)
	}
	r.logger.Debug("serial_open", "baud", r.cfg.Baud, "read_timeout", r.cfg.ReadTimeout)
	return p, nil
}

// serve reads until the device fails or ctx ends. Each read is bounded by the
// port's read timeout, which is what lets shutdown complete promptly. A partial
// line still buffered when the device goes away is discarded.
func (r *Reader) serve(ctx context.Context, p Port) error {
	defer func() { r.codec.Reset(r.acc) }()
	buf := make([]byte, readBufSize)
	fastLimit := r.cfg.ReadTimeout / 10
	fastEmpty := 0

	var qerr error
	emit := func(s sentence.Sentence) {
		if qerr != nil {
			return
		}
		if _, err := r.q.Enqueue(ctx, s); err != nil {
			qerr = err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		start := r.now()
		n, err := p.Read(buf)
		if n > 0 {
			fastEmpty = 0
			r.acc.Write(buf[:n])
			r.codec.DecodeStream(r.acc, emit)
			if qerr != nil {
				return r.queueError(ctx, qerr)
			}
			if r.acc.Len() == 0 && cap(r.acc.Bytes()) > largeBufferReclaimThreshold {
				r.acc = bytes.NewBuffer(nil)
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if ctx.Err() != nil { // shutting down
				return nil
			}
			metrics.IncError(metrics.ErrSerialRead)
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
		// tarm/serial reports a read timeout as (0, io.EOF)
		if r.now().Sub(start) < fastLimit {
			fastEmpty++
			if fastEmpty >= maxFastEmptyReads {
				metrics.IncError(metrics.ErrSerialRead)
				return ErrDeviceGone
			}
		} else {
			fastEmpty = 0
		}
	}
}

func (r *Reader) queueError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
		return nil
	case errors.Is(err, queue.ErrCorrupt):
		return fmt.Errorf("%w: %v", transport.ErrFatal, err)
	default:
		return err
	}
}
