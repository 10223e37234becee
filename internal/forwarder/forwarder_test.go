package forwarder

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-ais-forwarder/internal/backoff"
	"github.com/kstaniek/go-ais-forwarder/internal/logging"
	"github.com/kstaniek/go-ais-forwarder/internal/metrics"
	"github.com/kstaniek/go-ais-forwarder/internal/queue"
	"github.com/kstaniek/go-ais-forwarder/internal/sentence"
	"github.com/kstaniek/go-ais-forwarder/internal/transport"
)

// sink is a local TCP endpoint recording every line it receives.
type sink struct {
	ln    net.Listener
	lines chan string
	conns atomic.Int32
	// closeAfter, when > 0, makes the first connection hang up after that many lines.
	closeAfter int
}

func newSink(t *testing.T, closeAfter int) *sink {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sink{ln: ln, lines: make(chan string, 1024), closeAfter: closeAfter}
	t.Cleanup(func() { _ = ln.Close() })
	go s.accept()
	return s
}

func (s *sink) accept() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		n := s.conns.Add(1)
		go func(c net.Conn, first bool) {
			defer c.Close()
			r := bufio.NewReader(c)
			got := 0
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				s.lines <- line
				got++
				if first && s.closeAfter > 0 && got == s.closeAfter {
					return
				}
			}
		}(c, n == 1)
	}
}

func (s *sink) addr() string { return s.ln.Addr().String() }

func (s *sink) collect(t *testing.T, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case l := <-s.lines:
			out = append(out, l)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d lines: %q", len(out), n, out)
		}
	}
	return out
}

func (s *sink) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case l := <-s.lines:
		t.Fatalf("unexpected extra line %q", l)
	case <-time.After(50 * time.Millisecond):
	}
}

func testConfig(addr string) Config {
	return Config{
		Addr:           addr,
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
		FlushTimeout:   time.Second,
		Backoff:        backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
}

func enqueue(t *testing.T, q *queue.Queue, lines ...string) {
	t.Helper()
	for _, l := range lines {
		_, err := q.Enqueue(context.Background(), sentence.New([]byte(l)))
		require.NoError(t, err)
	}
}

func run(t *testing.T, f *Forwarder) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

// Lines arrive byte-for-byte and in order.
func TestForwarderDeliversInOrder(t *testing.T) {
	s := newSink(t, 0)
	q := queue.New(100, queue.PolicyDropOldest, queue.Hooks{})
	f := New(testConfig(s.addr()), q, WithLogger(logging.Nop()))
	cancel, done := run(t, f)

	want := []string{"L1\n", "L2\r\n", "L3\n"}
	enqueue(t, q, want...)
	require.Equal(t, want, s.collect(t, 3))
	require.Equal(t, transport.Connected, f.State())
	cancel()
	require.NoError(t, <-done)
	require.EqualValues(t, 3, f.Sent())
}

// While the endpoint is unreachable the queue keeps the newest sentences;
// once reachable they are delivered in order, oldest lost to overflow.
func TestForwarderOutageThenRecovery(t *testing.T) {
	s := newSink(t, 0)
	q := queue.New(2, queue.PolicyDropOldest, queue.Hooks{})
	enqueue(t, q, "1\n", "2\n", "3\n")
	require.EqualValues(t, 1, q.Dropped())

	var dials atomic.Int32
	failing := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dials.Add(1) <= 3 {
			return nil, errors.New("connect: connection refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	f := New(testConfig(s.addr()), q, WithDialer(failing), WithSleep(sleep), WithLogger(logging.Nop()))
	cancel, done := run(t, f)

	require.Equal(t, []string{"2\n", "3\n"}, s.collect(t, 2))
	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
}

// A peer hang-up is noticed while idle and no sentence is sent twice.
func TestForwarderReconnectsAfterPeerClose(t *testing.T) {
	s := newSink(t, 1)
	q := queue.New(16, queue.PolicyDropOldest, queue.Hooks{})
	f := New(testConfig(s.addr()), q, WithLogger(logging.Nop()))
	cancel, done := run(t, f)

	enqueue(t, q, "a\n")
	require.Equal(t, []string{"a\n"}, s.collect(t, 1))
	require.Eventually(t, func() bool { return f.Reconnects() == 1 && f.State() == transport.Connected },
		2*time.Second, 5*time.Millisecond)

	enqueue(t, q, "b\n", "c\n")
	require.Equal(t, []string{"b\n", "c\n"}, s.collect(t, 2))
	s.expectSilence(t)
	require.Zero(t, f.Lost())
	cancel()
	require.NoError(t, <-done)
}

// A failed write discards exactly the in-flight sentence and the next
// connection carries on with the rest.
func TestForwarderWriteFailureLosesInFlightOnly(t *testing.T) {
	s := newSink(t, 0)
	q := queue.New(16, queue.PolicyDropOldest, queue.Hooks{})
	enqueue(t, q, "x\n", "y\n")

	var dials atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if dials.Add(1) == 1 {
			local, remote := net.Pipe()
			_ = remote.Close()
			return local, nil
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	before := metrics.Snap().TCPLost
	f := New(testConfig(s.addr()), q, WithDialer(dial), WithLogger(logging.Nop()))
	cancel, done := run(t, f)

	require.Equal(t, []string{"y\n"}, s.collect(t, 1))
	s.expectSilence(t)
	require.EqualValues(t, 1, f.Lost())
	require.Equal(t, before+1, metrics.Snap().TCPLost)
	cancel()
	require.NoError(t, <-done)
}

func TestForwarderWriteDeadline(t *testing.T) {
	local, remote := net.Pipe() // nobody reads remote: writes block
	t.Cleanup(func() { _ = local.Close(); _ = remote.Close() })
	cfg := testConfig("pipe")
	cfg.WriteTimeout = 30 * time.Millisecond
	q := queue.New(4, queue.PolicyDropOldest, queue.Hooks{})
	enqueue(t, q, "stuck\n")
	f := New(cfg, q, WithLogger(logging.Nop()))

	start := time.Now()
	err := f.serve(context.Background(), local)
	require.ErrorIs(t, err, ErrWrite)
	require.Less(t, time.Since(start), time.Second)
	require.EqualValues(t, 1, f.Lost())
}

func TestForwarderFlushesQueueOnShutdown(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = local.Close(); _ = remote.Close() })
	got := make(chan string, 8)
	go func() {
		r := bufio.NewReader(remote)
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				return
			}
			got <- l
		}
	}()
	q := queue.New(8, queue.PolicyDropOldest, queue.Hooks{})
	enqueue(t, q, "1\n", "2\n", "3\n")
	f := New(testConfig("pipe"), q, WithLogger(logging.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.serve(ctx, local))
	require.Zero(t, q.Len())
	for _, want := range []string{"1\n", "2\n", "3\n"} {
		require.Equal(t, want, <-got)
	}
}

func TestForwarderFlushDisabled(t *testing.T) {
	local, remote := net.Pipe()
	t.Cleanup(func() { _ = local.Close(); _ = remote.Close() })
	cfg := testConfig("pipe")
	cfg.FlushTimeout = 0
	q := queue.New(8, queue.PolicyDropOldest, queue.Hooks{})
	enqueue(t, q, "1\n")
	f := New(cfg, q, WithLogger(logging.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.serve(ctx, local))
	require.Equal(t, 1, q.Len())
}

func TestForwarderEndsWhenQueueClosedAndDrained(t *testing.T) {
	s := newSink(t, 0)
	q := queue.New(8, queue.PolicyDropOldest, queue.Hooks{})
	enqueue(t, q, "last\n")
	q.Close()
	f := New(testConfig(s.addr()), q, WithLogger(logging.Nop()))
	require.NoError(t, f.Run(context.Background()))
	require.Equal(t, []string{"last\n"}, s.collect(t, 1))
}

func TestForwarderRetryCapIsFatal(t *testing.T) {
	cfg := testConfig("127.0.0.1:9")
	cfg.MaxRetries = 3
	var dials atomic.Int32
	dial := func(context.Context, string, string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connect: connection refused")
	}
	q := queue.New(4, queue.PolicyDropOldest, queue.Hooks{})
	f := New(cfg, q, WithDialer(dial), WithSleep(func(ctx context.Context, _ time.Duration) error { return nil }),
		WithLogger(logging.Nop()))
	err := f.Run(context.Background())
	require.ErrorIs(t, err, transport.ErrRetriesExhausted)
	require.ErrorIs(t, err, ErrDial)
	require.EqualValues(t, 3, dials.Load())
}
