package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/kstaniek/go-ais-forwarder/internal/backoff"
	"github.com/kstaniek/go-ais-forwarder/internal/queue"
	"github.com/kstaniek/go-ais-forwarder/internal/settings"
)

const envPrefix = "AIS_FORWARDER_"

type appConfig struct {
	configPath       string
	serialDev        string
	baud             int
	serialReadTO     time.Duration
	targetHost       string
	targetPort       int
	queueSize        int
	queuePolicy      string
	maxRetries       int
	serialMaxRetries int
	backoffBase      time.Duration
	backoffMax       time.Duration
	backoffMult      float64
	backoffJitter    float64
	connectTO        time.Duration
	writeTO          time.Duration
	keepAlive        time.Duration
	userTimeout      time.Duration
	stopTO           time.Duration
	flushTO          time.Duration
	maxLineLength    int
	logFormat        string
	logLevel         string
	logFile          string
	logMaxSizeMB     int
	logBackups       int
	metricsAddr      string
	logMetricsEvery  time.Duration
	mdnsEnable       bool
	mdnsName         string
	watchConfig      bool
}

func defaultConfig() *appConfig {
	st := settings.Default()
	return &appConfig{
		serialDev:     "/dev/ttyUSB0",
		baud:          st.BaudRate,
		serialReadTO:  st.ReadTimeout,
		targetHost:    st.TargetHost,
		targetPort:    st.TargetPort,
		queueSize:     st.QueueCapacity,
		queuePolicy:   st.QueuePolicy.String(),
		backoffBase:   st.Backoff.Base,
		backoffMax:    st.Backoff.Max,
		backoffMult:   st.Backoff.Multiplier,
		connectTO:     st.ConnectTimeout,
		writeTO:       st.WriteTimeout,
		keepAlive:     st.KeepAlive,
		userTimeout:   st.UserTimeout,
		stopTO:        5 * time.Second,
		flushTO:       st.FlushTimeout,
		maxLineLength: st.MaxLineLength,
		logFormat:     "text",
		logLevel:      "info",
		logMaxSizeMB:  10,
		logBackups:    5,
	}
}

// bindFlags registers every setting on fs, writing into c.
func bindFlags(fs *pflag.FlagSet, c *appConfig) {
	fs.StringVar(&c.configPath, "config", c.configPath, "YAML configuration file")
	fs.StringVar(&c.serialDev, "serial", c.serialDev, "Serial device path")
	fs.IntVar(&c.baud, "baud", c.baud, "Serial baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", c.serialReadTO, "Serial read timeout (bounds shutdown latency)")
	fs.StringVar(&c.targetHost, "target-host", c.targetHost, "TCP endpoint host")
	fs.IntVar(&c.targetPort, "target-port", c.targetPort, "TCP endpoint port")
	fs.IntVar(&c.queueSize, "queue-size", c.queueSize, "Forward queue capacity (sentences)")
	fs.StringVar(&c.queuePolicy, "queue-policy", c.queuePolicy, "Queue overflow policy: drop-oldest|drop-newest|block")
	fs.IntVar(&c.maxRetries, "max-retries", c.maxRetries, "Consecutive failed TCP connects before giving up (0 = retry forever)")
	fs.IntVar(&c.serialMaxRetries, "serial-max-retries", c.serialMaxRetries, "Consecutive failed device opens before giving up (0 = retry forever)")
	fs.DurationVar(&c.backoffBase, "backoff-base", c.backoffBase, "First reconnect delay")
	fs.DurationVar(&c.backoffMax, "backoff-max", c.backoffMax, "Reconnect delay cap")
	fs.Float64Var(&c.backoffMult, "backoff-multiplier", c.backoffMult, "Reconnect delay growth factor")
	fs.Float64Var(&c.backoffJitter, "backoff-jitter", c.backoffJitter, "Random spread of reconnect delays, 0..0.5")
	fs.DurationVar(&c.connectTO, "connect-timeout", c.connectTO, "TCP connect timeout")
	fs.DurationVar(&c.writeTO, "write-timeout", c.writeTO, "TCP write timeout per sentence")
	fs.DurationVar(&c.keepAlive, "tcp-keepalive", c.keepAlive, "TCP keepalive period (0 = system default)")
	fs.DurationVar(&c.userTimeout, "tcp-user-timeout", c.userTimeout, "TCP_USER_TIMEOUT on Linux (0 = system default)")
	fs.DurationVar(&c.stopTO, "stop-timeout", c.stopTO, "Graceful shutdown limit before handles are force-closed")
	fs.DurationVar(&c.flushTO, "flush-timeout", c.flushTO, "How long queued sentences are still sent on shutdown (0 = none)")
	fs.IntVar(&c.maxLineLength, "max-line-length", c.maxLineLength, "Longest accepted serial line in bytes")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.logFile, "log-file", c.logFile, "Also log to this size-rotated file")
	fs.IntVar(&c.logMaxSizeMB, "log-max-size", c.logMaxSizeMB, "Log file size in MB before rotation")
	fs.IntVar(&c.logBackups, "log-backups", c.logBackups, "Rotated log files to keep")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", c.logMetricsEvery, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", c.mdnsEnable, "Advertise the metrics endpoint over mDNS")
	fs.StringVar(&c.mdnsName, "mdns-name", c.mdnsName, "mDNS instance name (default ais-forwarder-<hostname>)")
	fs.BoolVar(&c.watchConfig, "watch-config", c.watchConfig, "Restart the forwarder when the --config file changes")
}

// loadConfig resolves the effective configuration from the parsed command
// flags. Precedence: defaults < config file < AIS_FORWARDER_* env < flags.
func loadConfig(flags *pflag.FlagSet) (*appConfig, error) {
	set := map[string]struct{}{}
	flags.Visit(func(f *pflag.Flag) { set[f.Name] = struct{}{} })

	cfg := defaultConfig()
	if f := flags.Lookup("config"); f != nil && f.Changed {
		cfg.configPath = f.Value.String()
	} else if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
		cfg.configPath = strings.TrimSpace(v)
	}
	if cfg.configPath != "" {
		if err := loadFile(cfg.configPath, cfg); err != nil {
			return nil, err
		}
	}

	// Replay env and explicit flags onto a flag set bound to cfg so both are
	// parsed exactly like the command line.
	fs := pflag.NewFlagSet("effective", pflag.ContinueOnError)
	bindFlags(fs, cfg)
	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}
	var firstErr error
	flags.Visit(func(f *pflag.Flag) {
		if fs.Lookup(f.Name) == nil || firstErr != nil {
			return
		}
		if err := fs.Set(f.Name, f.Value.String()); err != nil {
			firstErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g.
// serial-read-timeout -> AIS_FORWARDER_SERIAL_READ_TIMEOUT.
func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// applyEnvOverrides maps AIS_FORWARDER_* environment variables onto fs unless
// the corresponding flag was explicitly set (flag wins). Empty values are
// ignored; values are parsed with the flag's own type.
func applyEnvOverrides(fs *pflag.FlagSet, set map[string]struct{}) error {
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if _, ok := set[f.Name]; ok {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or sockets – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.stopTO <= 0 {
		return fmt.Errorf("stop-timeout must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.logFile != "" && (c.logMaxSizeMB <= 0 || c.logBackups < 0) {
		return fmt.Errorf("log-max-size must be > 0 and log-backups >= 0")
	}
	if c.watchConfig && c.configPath == "" {
		return fmt.Errorf("watch-config requires --config")
	}
	st, err := c.toSettings()
	if err != nil {
		return err
	}
	return st.Validate()
}

// toSettings converts the CLI view into the core's immutable settings.
func (c *appConfig) toSettings() (settings.Settings, error) {
	policy, err := queue.ParsePolicy(c.queuePolicy)
	if err != nil {
		return settings.Settings{}, fmt.Errorf("invalid queue-policy: %w", err)
	}
	return settings.Settings{
		SerialDevice:     c.serialDev,
		BaudRate:         c.baud,
		ReadTimeout:      c.serialReadTO,
		TargetHost:       c.targetHost,
		TargetPort:       c.targetPort,
		QueueCapacity:    c.queueSize,
		QueuePolicy:      policy,
		MaxRetries:       c.maxRetries,
		SerialMaxRetries: c.serialMaxRetries,
		Backoff: backoff.Policy{
			Base:       c.backoffBase,
			Max:        c.backoffMax,
			Multiplier: c.backoffMult,
			Jitter:     c.backoffJitter,
		},
		ConnectTimeout: c.connectTO,
		WriteTimeout:   c.writeTO,
		KeepAlive:      c.keepAlive,
		UserTimeout:    c.userTimeout,
		FlushTimeout:   c.flushTO,
		MaxLineLength:  c.maxLineLength,
	}, nil
}
