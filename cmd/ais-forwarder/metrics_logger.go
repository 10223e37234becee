package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-ais-forwarder/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"serial_rx", snap.SerialRx,
					"serial_rx_bytes", snap.SerialRxBytes,
					"tcp_tx", snap.TCPTx,
					"tcp_tx_bytes", snap.TCPTxBytes,
					"queue_depth", snap.QueueDepth,
					"queue_drops", snap.QueueDrops,
					"tcp_lost", snap.TCPLost,
					"malformed", snap.Malformed,
					"serial_connects", snap.SerialConnects,
					"tcp_connects", snap.TCPConnects,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
