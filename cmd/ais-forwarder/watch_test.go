package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kstaniek/go-ais-forwarder/internal/logging"
)

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "ais:\n  port: 2000\n")
	fs := parseArgs(t, "--config", path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *appConfig, 64)
	done := make(chan error, 1)
	go func() {
		done <- watchConfig(ctx, path, func() (*appConfig, error) { return loadConfig(fs) },
			func(c *appConfig) { got <- c }, logging.Nop())
	}()

	// Invalid content is rejected and the watcher keeps going.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	bad := true
	for {
		body := "ais:\n  port: 3000\n"
		if bad {
			body = "ais:\n  port: nope\n"
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		bad = false
		select {
		case c := <-got:
			// a write may be observed while the file is still truncated
			if c.targetPort != 3000 {
				continue
			}
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("watch returned %v", err)
				}
			case <-time.After(time.Second):
				t.Fatalf("watch did not stop")
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}

// saveAtomically writes body to a temporary file next to path and renames it
// over path, the way most editors save.
func saveAtomically(t *testing.T, path, body string) {
	t.Helper()
	tmp := filepath.Join(filepath.Dir(path), ".forwarder.yaml.swp")
	if err := os.WriteFile(tmp, []byte(body), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func TestWatchConfigSurvivesAtomicSaves(t *testing.T) {
	path := writeFile(t, "ais:\n  port: 2000\n")
	fs := parseArgs(t, "--config", path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *appConfig, 64)
	go func() {
		_ = watchConfig(ctx, path, func() (*appConfig, error) { return loadConfig(fs) },
			func(c *appConfig) { got <- c }, logging.Nop())
	}()

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for _, port := range []int{3000, 4000} {
		body := fmt.Sprintf("ais:\n  port: %d\n", port)
		deadline := time.After(3 * time.Second)
		saveAtomically(t, path, body)
	wait:
		for {
			select {
			case c := <-got:
				if c.targetPort == port {
					break wait
				}
			case <-tick.C:
				// the watch may not be armed yet on the first save
				saveAtomically(t, path, body)
			case <-deadline:
				t.Fatalf("no reload observed for port %d", port)
			}
		}
	}
}

func TestWatchConfigMissingDirectory(t *testing.T) {
	err := watchConfig(context.Background(), "/nonexistent/forwarder.yaml",
		func() (*appConfig, error) { return nil, nil }, func(*appConfig) {}, logging.Nop())
	if err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestOfferLatestKeepsNewest(t *testing.T) {
	ch := make(chan *appConfig, 1)
	a, b := &appConfig{baud: 1}, &appConfig{baud: 2}
	offerLatest(ch, a)
	offerLatest(ch, b)
	if c := <-ch; c != b {
		t.Fatalf("expected newest config, got baud %d", c.baud)
	}
}
