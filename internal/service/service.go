// Package service runs the serial reader and the TCP forwarder as two
// independent workers joined by the forward queue.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-ais-forwarder/internal/forwarder"
	"github.com/kstaniek/go-ais-forwarder/internal/logging"
	"github.com/kstaniek/go-ais-forwarder/internal/metrics"
	"github.com/kstaniek/go-ais-forwarder/internal/queue"
	"github.com/kstaniek/go-ais-forwarder/internal/sentence"
	"github.com/kstaniek/go-ais-forwarder/internal/serial"
	"github.com/kstaniek/go-ais-forwarder/internal/settings"
	"github.com/kstaniek/go-ais-forwarder/internal/transport"
)

// abortGrace is how long Stop waits for the workers after force-closing
// their handles.
const abortGrace = time.Second

// Service owns the queue and both workers. A Service runs once; build a new
// one to restart with different settings.
type Service struct {
	settings settings.Settings
	logger   *slog.Logger
	q        *queue.Queue
	reader   *serial.Reader
	fwd      *forwarder.Forwarder

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	errCh     chan error
	lastErrMu sync.Mutex
	lastErr   error
}

type Option func(*options)

type options struct {
	logger *slog.Logger
	open   serial.OpenFunc
	dial   forwarder.DialFunc
	sleep  transport.SleepFunc
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSerialOpener replaces the serial device opener (tests).
func WithSerialOpener(fn serial.OpenFunc) Option { return func(o *options) { o.open = fn } }

// WithDialer replaces the TCP dialer (tests).
func WithDialer(fn forwarder.DialFunc) Option { return func(o *options) { o.dial = fn } }

// WithSleep replaces the backoff timer of both workers (tests).
func WithSleep(fn transport.SleepFunc) Option { return func(o *options) { o.sleep = fn } }

// New validates st and wires the workers. Nothing runs until Start.
func New(st settings.Settings, opts ...Option) (*Service, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: logging.L()}
	for _, fn := range opts {
		fn(&o)
	}
	s := &Service{
		settings: st,
		logger:   o.logger,
		done:     make(chan struct{}),
		errCh:    make(chan error, 1),
	}
	s.q = queue.New(st.QueueCapacity, st.QueuePolicy, queue.Hooks{OnDrop: s.onDrop, OnDepth: metrics.SetQueueDepth})
	s.reader = serial.NewReader(serial.ReaderConfig{
		Device:      st.SerialDevice,
		Baud:        st.BaudRate,
		ReadTimeout: st.ReadTimeout,
		MaxLine:     st.MaxLineLength,
		MaxRetries:  st.SerialMaxRetries,
		Backoff:     st.Backoff,
	}, s.q,
		serial.WithOpener(o.open),
		serial.WithSleep(o.sleep),
		serial.WithLogger(o.logger),
	)
	s.fwd = forwarder.New(forwarder.Config{
		Addr:           st.Addr(),
		ConnectTimeout: st.ConnectTimeout,
		WriteTimeout:   st.WriteTimeout,
		KeepAlive:      st.KeepAlive,
		UserTimeout:    st.UserTimeout,
		FlushTimeout:   st.FlushTimeout,
		MaxRetries:     st.MaxRetries,
		Backoff:        st.Backoff,
	}, s.q,
		forwarder.WithDialer(o.dial),
		forwarder.WithSleep(o.sleep),
		forwarder.WithLogger(o.logger),
	)
	return s, nil
}

func (s *Service) onDrop(sentence.Sentence) {
	metrics.IncQueueDrop()
	s.logger.Warn("queue_drop", "policy", s.q.Policy().String(), "dropped_total", s.q.Dropped())
}

// Start launches both workers and returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := s.reader.Run(ctx)
		// no more producers: let the forwarder drain and finish
		s.q.Close()
		s.fail(err)
	}()
	go func() {
		defer wg.Done()
		s.fail(s.fwd.Run(ctx))
	}()
	go func() {
		wg.Wait()
		s.logger.Info("service_stopped",
			"sent", s.fwd.Sent(), "lost", s.fwd.Lost(), "dropped", s.q.Dropped(), "queued", s.q.Len())
		close(s.done)
	}()
	s.logger.Info("service_started",
		"device", s.settings.SerialDevice, "target", s.settings.Addr(),
		"queue_size", s.settings.QueueCapacity, "queue_policy", s.settings.QueuePolicy.String())
	return nil
}

// fail records a fatal worker error and brings the other worker down too.
func (s *Service) fail(err error) {
	if err == nil {
		return
	}
	metrics.IncError(metrics.ErrFatal)
	s.logger.Error("fatal", "error", err, "cause", mapErrToMetric(err))
	s.lastErrMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels both workers and waits up to timeout. On overrun the live
// device and socket handles are closed and ErrStopTimeout is returned.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return nil
	case <-t.C:
	}
	s.logger.Warn("stop_timeout", "timeout", timeout)
	s.reader.Abort()
	s.fwd.Abort()
	select {
	case <-s.done:
	case <-time.After(abortGrace):
	}
	return fmt.Errorf("%w after %s", ErrStopTimeout, timeout)
}

// Done is closed once both workers have returned.
func (s *Service) Done() <-chan struct{} { return s.done }

// Errors delivers the first fatal error.
func (s *Service) Errors() <-chan error { return s.errCh }

// Err returns the first fatal error, if any.
func (s *Service) Err() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Ready reports whether both ends are connected and nothing failed.
func (s *Service) Ready() bool {
	return s.Err() == nil &&
		s.reader.State() == transport.Connected &&
		s.fwd.State() == transport.Connected
}

// TransportHealth describes one side of the forwarder.
type TransportHealth struct {
	State      transport.State `json:"state"`
	Retries    int             `json:"retries"`
	Reconnects uint64          `json:"reconnects"`
}

// Health is a point-in-time status document, served on /healthz.
type Health struct {
	Serial        TransportHealth `json:"serial"`
	TCP           TransportHealth `json:"tcp"`
	QueueDepth    int             `json:"queue_depth"`
	QueueCapacity int             `json:"queue_capacity"`
	QueuePolicy   string          `json:"queue_policy"`
	Dropped       uint64          `json:"dropped"`
	Sent          uint64          `json:"sent"`
	Lost          uint64          `json:"lost"`
	Fatal         string          `json:"fatal,omitempty"`
}

func (s *Service) Health() Health {
	h := Health{
		Serial: TransportHealth{
			State:      s.reader.State(),
			Retries:    s.reader.Retries(),
			Reconnects: s.reader.Reconnects(),
		},
		TCP: TransportHealth{
			State:      s.fwd.State(),
			Retries:    s.fwd.Retries(),
			Reconnects: s.fwd.Reconnects(),
		},
		QueueDepth:    s.q.Len(),
		QueueCapacity: s.q.Cap(),
		QueuePolicy:   s.q.Policy().String(),
		Dropped:       s.q.Dropped(),
		Sent:          s.fwd.Sent(),
		Lost:          s.fwd.Lost(),
	}
	if err := s.Err(); err != nil {
		h.Fatal = err.Error()
	}
	return h
}
