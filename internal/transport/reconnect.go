package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-ais-forwarder/internal/backoff"
	"github.com/kstaniek/go-ais-forwarder/internal/logging"
)

// OpenFunc establishes a fresh connection to the endpoint.
type OpenFunc[C io.Closer] func(ctx context.Context) (C, error)

// ServeFunc runs while the connection is up. A nil return means the work is
// finished (ctx ended or the input stream closed) and ends Run; a non-nil
// error means the connection is no longer usable.
type ServeFunc[C io.Closer] func(ctx context.Context, conn C) error

// SleepFunc waits for d or until ctx ends, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Hooks let each transport keep its own metrics and logging without
// duplicating the state machine.
type Hooks struct {
	OnState      func(State)
	OnRetry      func(attempt int, delay time.Duration)
	OnConnect    func()
	OnDisconnect func(err error)
	OnOpenError  func(err error)
}

// Reconnector drives one transport through
// Disconnected -> Connecting -> Connected -> Disconnected ... and finally
// Closing. It owns the retry state; nothing else mutates it.
//
//	r := NewReconnector("tcp", open, serve, policy)
//	err := r.Run(ctx) // nil on cancellation, fatal error otherwise
type Reconnector[C io.Closer] struct {
	name       string
	open       OpenFunc[C]
	serve      ServeFunc[C]
	policy     backoff.Policy
	maxRetries int
	sleep      SleepFunc
	hooks      Hooks
	logger     *slog.Logger

	state   atomic.Int32
	retries atomic.Int64
	reconns atomic.Uint64

	mu  sync.Mutex
	cur io.Closer
}

// Option configures a Reconnector.
type Option func(*reconnectOpts)

type reconnectOpts struct {
	maxRetries int
	sleep      SleepFunc
	hooks      Hooks
	logger     *slog.Logger
}

// WithMaxRetries caps consecutive failed opens; n <= 0 retries forever.
func WithMaxRetries(n int) Option { return func(o *reconnectOpts) { o.maxRetries = n } }

// WithSleep replaces the interruptible timer (tests).
func WithSleep(fn SleepFunc) Option {
	return func(o *reconnectOpts) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

func WithHooks(h Hooks) Option { return func(o *reconnectOpts) { o.hooks = h } }

func WithLogger(l *slog.Logger) Option {
	return func(o *reconnectOpts) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewReconnector builds a reconnect loop for one transport.
func NewReconnector[C io.Closer](name string, open OpenFunc[C], serve ServeFunc[C], policy backoff.Policy, opts ...Option) *Reconnector[C] {
	o := reconnectOpts{sleep: Sleep, logger: logging.L()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Reconnector[C]{
		name:       name,
		open:       open,
		serve:      serve,
		policy:     policy,
		maxRetries: o.maxRetries,
		sleep:      o.sleep,
		hooks:      o.hooks,
		logger:     o.logger.With("transport", name),
	}
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Reconnector[C]) Name() string { return r.name }

// State returns the current connection state.
func (r *Reconnector[C]) State() State { return State(r.state.Load()) }

// Retries returns the number of failed opens since the last successful one.
func (r *Reconnector[C]) Retries() int { return int(r.retries.Load()) }

// Reconnects returns how many times the connection came back after being lost.
func (r *Reconnector[C]) Reconnects() uint64 { return r.reconns.Load() }

func (r *Reconnector[C]) setState(s State) {
	if State(r.state.Swap(int32(s))) == s {
		return
	}
	if r.hooks.OnState != nil {
		r.hooks.OnState(s)
	}
}

// Abort closes the live connection, if any, so a blocked serve call returns.
// Used when a graceful stop overruns its deadline.
func (r *Reconnector[C]) Abort() {
	r.mu.Lock()
	c := r.cur
	r.cur = nil
	r.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (r *Reconnector[C]) track(c io.Closer) {
	r.mu.Lock()
	r.cur = c
	r.mu.Unlock()
}

func (r *Reconnector[C]) release() {
	r.mu.Lock()
	c := r.cur
	r.cur = nil
	r.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// Run loops until ctx ends (returns nil) or a fatal condition occurs.
// The first open happens immediately; every later open waits for the next
// backoff delay. A successful open resets the retry state.
func (r *Reconnector[C]) Run(ctx context.Context) error {
	defer r.setState(Closing)
	st := r.policy.Reset()
	first := true
	everConnected := false
	r.setState(Disconnected)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !first {
			var d time.Duration
			d, st = r.policy.Next(st)
			if r.hooks.OnRetry != nil {
				r.hooks.OnRetry(st.Attempt, d)
			}
			r.logger.Info(r.name+"_retry", "attempt", st.Attempt, "delay", d)
			if err := r.sleep(ctx, d); err != nil || ctx.Err() != nil {
				return nil
			}
		}
		first = false

		r.setState(Connecting)
		conn, err := r.safeOpen(ctx)
		if err != nil {
			r.setState(Disconnected)
			if ctx.Err() != nil {
				return nil
			}
			n := r.retries.Add(1)
			if r.hooks.OnOpenError != nil {
				r.hooks.OnOpenError(err)
			}
			r.logger.Warn(r.name+"_open_failed", "error", err, "failures", n)
			if r.maxRetries > 0 && int(n) >= r.maxRetries {
				return fmt.Errorf("%s: %w after %d attempts: %w", r.name, ErrRetriesExhausted, n, err)
			}
			continue
		}

		r.track(conn)
		r.retries.Store(0)
		st = r.policy.Reset()
		if everConnected {
			r.reconns.Add(1)
		}
		everConnected = true
		r.setState(Connected)
		r.logger.Info(r.name + "_connected")
		if r.hooks.OnConnect != nil {
			r.hooks.OnConnect()
		}

		err = r.safeServe(ctx, conn)
		if ctx.Err() != nil {
			r.setState(Closing)
			r.release()
			return nil
		}
		r.setState(Disconnected)
		r.release()
		if err == nil {
			r.logger.Info(r.name + "_finished")
			return nil
		}
		if IsFatal(err) {
			r.logger.Error(r.name+"_fatal", "error", err)
			return err
		}
		r.logger.Warn(r.name+"_disconnected", "error", err)
		if r.hooks.OnDisconnect != nil {
			r.hooks.OnDisconnect(err)
		}
	}
}

func (r *Reconnector[C]) safeOpen(ctx context.Context) (conn C, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: open: %v", ErrWorkerPanic, p)
		}
	}()
	return r.open(ctx)
}

func (r *Reconnector[C]) safeServe(ctx context.Context, conn C) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: serve: %v", ErrWorkerPanic, p)
		}
	}()
	return r.serve(ctx, conn)
}
