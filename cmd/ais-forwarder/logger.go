package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/kstaniek/go-ais-forwarder/internal/logging"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogger installs the global logger. Output always goes to stderr and,
// with --log-file, also to a size-rotated file.
func setupLogger(cfg *appConfig) (*slog.Logger, io.Closer, error) {
	lvl, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.logFile != "" {
		f, err := logging.FileSink{Path: cfg.logFile, MaxSizeMB: cfg.logMaxSizeMB, Backups: cfg.logBackups}.Open()
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	l := logging.New(cfg.logFormat, lvl, w).With("app", "ais-forwarder")
	logging.Set(l)
	return l, closer, nil
}
