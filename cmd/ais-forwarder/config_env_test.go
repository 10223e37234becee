package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func envFlagSet(c *appConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("env", pflag.ContinueOnError)
	bindFlags(fs, c)
	return fs
}

func TestEnvName(t *testing.T) {
	if got := envName("serial-read-timeout"); got != "AIS_FORWARDER_SERIAL_READ_TIMEOUT" {
		t.Fatalf("unexpected env name %s", got)
	}
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	c := defaultConfig()
	t.Setenv("AIS_FORWARDER_BAUD", "4800")
	t.Setenv("AIS_FORWARDER_MDNS_ENABLE", "true")
	t.Setenv("AIS_FORWARDER_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("AIS_FORWARDER_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("AIS_FORWARDER_TARGET_HOST", " 10.0.0.5 ")
	t.Setenv("AIS_FORWARDER_BACKOFF_MULTIPLIER", "2.5")
	if err := applyEnvOverrides(envFlagSet(c), map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.baud != 4800 {
		t.Fatalf("expected baud override, got %d", c.baud)
	}
	if !c.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if c.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", c.serialReadTO)
	}
	if c.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", c.logMetricsEvery)
	}
	if c.targetHost != "10.0.0.5" {
		t.Fatalf("expected trimmed host, got %q", c.targetHost)
	}
	if c.backoffMult != 2.5 {
		t.Fatalf("expected multiplier 2.5 got %v", c.backoffMult)
	}
}

func TestApplyEnvOverrides_EmptyIgnored(t *testing.T) {
	c := defaultConfig()
	t.Setenv("AIS_FORWARDER_TARGET_HOST", "")
	if err := applyEnvOverrides(envFlagSet(c), map[string]struct{}{}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if c.targetHost != "127.0.0.1" {
		t.Fatalf("empty env should be ignored, got %q", c.targetHost)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	t.Setenv("AIS_FORWARDER_BAUD", "4800")
	fs := parseArgs(t, "--baud", "9600")
	cfg, err := loadConfig(fs)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.baud != 9600 {
		t.Fatalf("explicit flag should win over env, got %d", cfg.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	c := defaultConfig()
	t.Setenv("AIS_FORWARDER_QUEUE_SIZE", "notint")
	err := applyEnvOverrides(envFlagSet(c), map[string]struct{}{})
	if err == nil {
		t.Fatalf("expected error for bad integer")
	}
	if !strings.HasPrefix(err.Error(), "invalid AIS_FORWARDER_QUEUE_SIZE") {
		t.Fatalf("error should name the variable: %v", err)
	}
}
