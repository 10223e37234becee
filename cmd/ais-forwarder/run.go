package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kstaniek/go-ais-forwarder/internal/metrics"
	"github.com/kstaniek/go-ais-forwarder/internal/service"
)

const httpShutdownTimeout = 2 * time.Second

// runForwarder owns the process lifecycle: logging, the admin endpoint, the
// service and, with --watch-config, restarts on configuration changes.
// A signal stops the service and returns nil; a fatal service error is
// returned with exit code 1.
func runForwarder(parent context.Context, cfg *appConfig, flags *pflag.FlagSet) error {
	l, closer, err := setupLogger(cfg)
	if err != nil {
		return configError(err)
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(cfg, l)
	if err != nil {
		return configError(err)
	}
	var cur atomic.Pointer[service.Service]
	cur.Store(svc)
	metrics.SetReadinessFunc(func() bool { return cur.Load().Ready() })
	metrics.SetHealthFunc(func() any { return cur.Load().Health() })

	aux, cancelAux := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancelAux()

	startMetricsLogger(aux, cfg.logMetricsEvery, l, &wg)
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		if cfg.mdnsEnable {
			if cleanup := advertise(aux, cfg, l); cleanup != nil {
				defer cleanup()
			}
		}
	} else if cfg.mdnsEnable {
		l.Warn("mdns_skipped", "reason", "metrics-addr not set")
	}

	var reloads chan *appConfig
	if cfg.watchConfig {
		reloads = make(chan *appConfig, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reload := func() (*appConfig, error) { return loadConfig(flags) }
			if err := watchConfig(aux, cfg.configPath, reload, func(c *appConfig) { offerLatest(reloads, c) }, l); err != nil {
				l.Warn("config_watch_failed", "error", err)
			}
		}()
	}

	l.Info("starting", "version", version, "commit", commit)
	// The service gets its own lifetime so a signal goes through Stop and
	// its timeout instead of cancelling the workers underneath it.
	if err := svc.Start(context.WithoutCancel(ctx)); err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	stopTO := cfg.stopTO
	for {
		select {
		case <-ctx.Done():
			l.Info("shutdown_signal")
			if err := svc.Stop(stopTO); err != nil {
				l.Warn("stop_error", "error", err)
			}
			return nil
		case <-svc.Done():
			if err := svc.Err(); err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			return nil
		case next := <-reloads:
			ns, err := newService(next, l)
			if err != nil {
				l.Error("config_reload_rejected", "error", err)
				continue
			}
			l.Info("service_restart", "device", next.serialDev, "target", next.targetHost)
			if err := svc.Stop(stopTO); err != nil {
				l.Warn("stop_error", "error", err)
			}
			if err := ns.Start(context.WithoutCancel(ctx)); err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			cur.Store(ns)
			svc = ns
			stopTO = next.stopTO
		}
	}
}

func newService(cfg *appConfig, l *slog.Logger) (*service.Service, error) {
	st, err := cfg.toSettings()
	if err != nil {
		return nil, err
	}
	return service.New(st, service.WithLogger(l))
}

func advertise(ctx context.Context, cfg *appConfig, l *slog.Logger) func() {
	port, err := portOf(cfg.metricsAddr)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	return cleanup
}

// offerLatest replaces any pending value in ch with v.
func offerLatest(ch chan *appConfig, v *appConfig) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
