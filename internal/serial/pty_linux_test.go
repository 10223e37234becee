//go:build linux

package serial

import (
	"context"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-ais-forwarder/internal/logging"
	"github.com/kstaniek/go-ais-forwarder/internal/queue"
)

// Drives the real tarm/serial opener against a pseudo terminal.
func TestReaderOverPTY(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	cfg := testConfig()
	cfg.Device = slave.Name()
	cfg.ReadTimeout = 100 * time.Millisecond
	q := queue.New(8, queue.PolicyDropOldest, queue.Hooks{})
	r := NewReader(cfg, q, WithLogger(logging.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err = master.Write([]byte("!AIVDM,1,1,,B,15MgK45P3@G?fl0E`JbR0OwT0@MS,0*4E\n!AIVDM,1,1"))
	require.NoError(t, err)
	_, err = master.Write([]byte(",,A,13u?etPv2;0n:dDPwUM1U1Cb069D,0*24\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop")
	}
	require.Equal(t, []string{
		"!AIVDM,1,1,,B,15MgK45P3@G?fl0E`JbR0OwT0@MS,0*4E\n",
		"!AIVDM,1,1,,A,13u?etPv2;0n:dDPwUM1U1Cb069D,0*24\n",
	}, drain(t, q))
}
