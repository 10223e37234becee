// Package forwarder drains the forward queue into one TCP connection,
// reconnecting with backoff whenever the connection is lost.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-ais-forwarder/internal/backoff"
	"github.com/kstaniek/go-ais-forwarder/internal/logging"
	"github.com/kstaniek/go-ais-forwarder/internal/metrics"
	"github.com/kstaniek/go-ais-forwarder/internal/queue"
	"github.com/kstaniek/go-ais-forwarder/internal/sentence"
	"github.com/kstaniek/go-ais-forwarder/internal/transport"
)

var (
	ErrDial       = errors.New("tcp dial")
	ErrWrite      = errors.New("tcp write")
	ErrPeerClosed = errors.New("tcp peer closed")
)

// Config is the slice of the settings the TCP side needs.
type Config struct {
	Addr           string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration
	UserTimeout    time.Duration
	// FlushTimeout bounds how long queued sentences keep being written after
	// shutdown was requested. 0 disables the flush.
	FlushTimeout time.Duration
	MaxRetries   int
	Backoff      backoff.Policy
}

// Forwarder owns the TCP side. It never touches the serial device.
type Forwarder struct {
	cfg    Config
	q      *queue.Queue
	dial   DialFunc
	logger *slog.Logger
	rc     *transport.Reconnector[net.Conn]

	sent atomic.Uint64
	lost atomic.Uint64
}

type Option func(*options)

type options struct {
	dial   DialFunc
	sleep  transport.SleepFunc
	logger *slog.Logger
}

// WithDialer replaces the network dialer (tests).
func WithDialer(fn DialFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.dial = fn
		}
	}
}

func WithSleep(fn transport.SleepFunc) Option { return func(o *options) { o.sleep = fn } }

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New wires a forwarder that drains q.
func New(cfg Config, q *queue.Queue, opts ...Option) *Forwarder {
	o := options{logger: logging.L()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.dial == nil {
		o.dial = NewDialer(cfg.ConnectTimeout, cfg.KeepAlive, cfg.UserTimeout).DialContext
	}
	f := &Forwarder{
		cfg:    cfg,
		q:      q,
		dial:   o.dial,
		logger: o.logger.With("addr", cfg.Addr),
	}
	f.rc = transport.NewReconnector(metrics.TransportTCP, f.connect, f.serve, cfg.Backoff,
		transport.WithMaxRetries(cfg.MaxRetries),
		transport.WithSleep(o.sleep),
		transport.WithLogger(f.logger),
		transport.WithHooks(transport.Hooks{
			OnState:     func(s transport.State) { metrics.SetState(metrics.TransportTCP, int(s)) },
			OnRetry:     func(int, time.Duration) { metrics.IncRetry(metrics.TransportTCP) },
			OnConnect:   func() { metrics.IncConnect(metrics.TransportTCP) },
			OnOpenError: func(error) { metrics.IncError(metrics.ErrTCPDial) },
			OnDisconnect: func(err error) {
				if errors.Is(err, ErrPeerClosed) {
					metrics.IncError(metrics.ErrTCPPeerClosed)
				}
			},
		}),
	)
	return f
}

// Run blocks until ctx ends, the queue is closed and drained, or the retry cap
// is exhausted (transport.ErrRetriesExhausted).
func (f *Forwarder) Run(ctx context.Context) error { return f.rc.Run(ctx) }

func (f *Forwarder) State() transport.State { return f.rc.State() }
func (f *Forwarder) Retries() int           { return f.rc.Retries() }
func (f *Forwarder) Reconnects() uint64     { return f.rc.Reconnects() }

// Sent is the number of sentences fully written.
func (f *Forwarder) Sent() uint64 { return f.sent.Load() }

// Lost is the number of dequeued sentences discarded after a failed write.
func (f *Forwarder) Lost() uint64 { return f.lost.Load() }

// Abort closes the socket so a write stuck past its deadline returns.
func (f *Forwarder) Abort() { f.rc.Abort() }

func (f *Forwarder) connect(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()
	c, err := f.dial(dctx, "tcp", f.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDial, f.cfg.Addr, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

// serve writes sentences in queue order. The socket is not closed when ctx
// ends: the sentence being written is finished, queued ones are flushed for
// up to FlushTimeout, then Run releases the socket.
func (f *Forwarder) serve(ctx context.Context, c net.Conn) error {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go watchPeer(c, cancel)

	for {
		if ctx.Err() != nil {
			f.flush(c)
			return nil
		}
		s, err := f.q.Dequeue(connCtx)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrClosed):
				return nil
			case ctx.Err() != nil:
				f.flush(c)
				return nil
			default:
				return context.Cause(connCtx)
			}
		}
		if err := f.write(c, s, time.Now().Add(f.cfg.WriteTimeout)); err != nil {
			f.lose(s, err)
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
}

// watchPeer reads and discards whatever the endpoint sends; a read error means
// the peer went away (or the socket was released) and cancels the connection.
func watchPeer(c net.Conn, cancel context.CancelCauseFunc) {
	buf := make([]byte, 512)
	for {
		if _, err := c.Read(buf); err != nil {
			cancel(fmt.Errorf("%w: %v", ErrPeerClosed, err))
			return
		}
	}
}

// write retries short writes until the whole sentence is out or the deadline
// passes.
func (f *Forwarder) write(c net.Conn, s sentence.Sentence, deadline time.Time) error {
	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	b := s.Bytes()
	for len(b) > 0 {
		n, err := c.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	f.sent.Add(1)
	metrics.AddTCPTx(s.Len())
	return nil
}

func (f *Forwarder) lose(s sentence.Sentence, err error) {
	f.lost.Add(1)
	metrics.IncTCPLost()
	metrics.IncError(metrics.ErrTCPWrite)
	f.logger.Warn("tcp_sentence_lost", "bytes", s.Len(), "error", err, "lost_total", f.lost.Load())
}

func (f *Forwarder) flush(c net.Conn) {
	if f.cfg.FlushTimeout <= 0 {
		return
	}
	end := time.Now().Add(f.cfg.FlushTimeout)
	flushed := 0
	for time.Now().Before(end) {
		s, ok := f.q.TryDequeue()
		if !ok {
			break
		}
		deadline := time.Now().Add(f.cfg.WriteTimeout)
		if deadline.After(end) {
			deadline = end
		}
		if err := f.write(c, s, deadline); err != nil {
			f.lose(s, err)
			break
		}
		flushed++
	}
	if flushed > 0 || f.q.Len() > 0 {
		f.logger.Info("tcp_flush", "flushed", flushed, "remaining", f.q.Len())
	}
}
