package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk layout. The ais section keeps the key names of
// the classic forwarder configuration; anything absent keeps its default.
// Durations are Go duration strings ("2s", "500ms").
//
//	ais:
//	  serial_port: /dev/ttyUSB0
//	  baudrate: 38400
//	  ip: 192.168.1.20
//	  port: 10110
//	  log_file: /var/log/ais-forwarder/forwarder.log
//	forwarder:
//	  queue_policy: drop-oldest
//	  backoff: {base: 1s, max: 60s, multiplier: 1.5}
type fileConfig struct {
	AIS struct {
		SerialPort     *string        `yaml:"serial_port"`
		Baudrate       *int           `yaml:"baudrate"`
		SerialTimeout  *time.Duration `yaml:"serial_timeout"`
		IP             *string        `yaml:"ip"`
		Port           *int           `yaml:"port"`
		MaxRetries     *int           `yaml:"max_retries"`
		LogLevel       *string        `yaml:"log_level"`
		LogFile        *string        `yaml:"log_file"`
		LogMaxSize     *int64         `yaml:"log_max_size"` // bytes
		LogBackupCount *int           `yaml:"log_backup_count"`
	} `yaml:"ais"`
	Forwarder struct {
		QueueSize        *int           `yaml:"queue_size"`
		QueuePolicy      *string        `yaml:"queue_policy"`
		SerialMaxRetries *int           `yaml:"serial_max_retries"`
		ConnectTimeout   *time.Duration `yaml:"connect_timeout"`
		WriteTimeout     *time.Duration `yaml:"write_timeout"`
		KeepAlive        *time.Duration `yaml:"tcp_keepalive"`
		UserTimeout      *time.Duration `yaml:"tcp_user_timeout"`
		StopTimeout      *time.Duration `yaml:"stop_timeout"`
		FlushTimeout     *time.Duration `yaml:"flush_timeout"`
		MaxLineLength    *int           `yaml:"max_line_length"`
		Backoff          struct {
			Base       *time.Duration `yaml:"base"`
			Max        *time.Duration `yaml:"max"`
			Multiplier *float64       `yaml:"multiplier"`
			Jitter     *float64       `yaml:"jitter"`
		} `yaml:"backoff"`
	} `yaml:"forwarder"`
	Admin struct {
		LogFormat       *string        `yaml:"log_format"`
		MetricsAddr     *string        `yaml:"metrics_addr"`
		LogMetricsEvery *time.Duration `yaml:"log_metrics_interval"`
		MDNSEnable      *bool          `yaml:"mdns_enable"`
		MDNSName        *string        `yaml:"mdns_name"`
	} `yaml:"admin"`
}

// loadFile overlays the YAML file at path onto c. Unknown keys are rejected
// so typos do not silently fall back to defaults.
func loadFile(path string, c *appConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	fc.apply(c)
	return nil
}

func overlay[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (fc *fileConfig) apply(c *appConfig) {
	a := &fc.AIS
	overlay(&c.serialDev, a.SerialPort)
	overlay(&c.baud, a.Baudrate)
	overlay(&c.serialReadTO, a.SerialTimeout)
	overlay(&c.targetHost, a.IP)
	overlay(&c.targetPort, a.Port)
	overlay(&c.maxRetries, a.MaxRetries)
	if a.LogLevel != nil {
		// classic configs use Python level names (INFO, WARNING)
		lvl := strings.ToLower(*a.LogLevel)
		if lvl == "warning" {
			lvl = "warn"
		}
		c.logLevel = lvl
	}
	overlay(&c.logFile, a.LogFile)
	overlay(&c.logBackups, a.LogBackupCount)
	if a.LogMaxSize != nil {
		mb := int((*a.LogMaxSize + 1<<20 - 1) >> 20) // round up to whole MB
		c.logMaxSizeMB = mb
	}

	f := &fc.Forwarder
	overlay(&c.queueSize, f.QueueSize)
	overlay(&c.queuePolicy, f.QueuePolicy)
	overlay(&c.serialMaxRetries, f.SerialMaxRetries)
	overlay(&c.connectTO, f.ConnectTimeout)
	overlay(&c.writeTO, f.WriteTimeout)
	overlay(&c.keepAlive, f.KeepAlive)
	overlay(&c.userTimeout, f.UserTimeout)
	overlay(&c.stopTO, f.StopTimeout)
	overlay(&c.flushTO, f.FlushTimeout)
	overlay(&c.maxLineLength, f.MaxLineLength)
	overlay(&c.backoffBase, f.Backoff.Base)
	overlay(&c.backoffMax, f.Backoff.Max)
	overlay(&c.backoffMult, f.Backoff.Multiplier)
	overlay(&c.backoffJitter, f.Backoff.Jitter)

	ad := &fc.Admin
	overlay(&c.logFormat, ad.LogFormat)
	overlay(&c.metricsAddr, ad.MetricsAddr)
	overlay(&c.logMetricsEvery, ad.LogMetricsEvery)
	overlay(&c.mdnsEnable, ad.MDNSEnable)
	overlay(&c.mdnsName, ad.MDNSName)
}

func ptr[T any](v T) *T { return &v }

// toFile renders c in the file layout; check-config prints it, and the
// output loads back as a config file.
func (c *appConfig) toFile() fileConfig {
	var fc fileConfig
	a := &fc.AIS
	a.SerialPort = ptr(c.serialDev)
	a.Baudrate = ptr(c.baud)
	a.SerialTimeout = ptr(c.serialReadTO)
	a.IP = ptr(c.targetHost)
	a.Port = ptr(c.targetPort)
	a.MaxRetries = ptr(c.maxRetries)
	a.LogLevel = ptr(c.logLevel)
	a.LogFile = ptr(c.logFile)
	a.LogMaxSize = ptr(int64(c.logMaxSizeMB) << 20)
	a.LogBackupCount = ptr(c.logBackups)

	f := &fc.Forwarder
	f.QueueSize = ptr(c.queueSize)
	f.QueuePolicy = ptr(c.queuePolicy)
	f.SerialMaxRetries = ptr(c.serialMaxRetries)
	f.ConnectTimeout = ptr(c.connectTO)
	f.WriteTimeout = ptr(c.writeTO)
	f.KeepAlive = ptr(c.keepAlive)
	f.UserTimeout = ptr(c.userTimeout)
	f.StopTimeout = ptr(c.stopTO)
	f.FlushTimeout = ptr(c.flushTO)
	f.MaxLineLength = ptr(c.maxLineLength)
	f.Backoff.Base = ptr(c.backoffBase)
	f.Backoff.Max = ptr(c.backoffMax)
	f.Backoff.Multiplier = ptr(c.backoffMult)
	f.Backoff.Jitter = ptr(c.backoffJitter)

	ad := &fc.Admin
	ad.LogFormat = ptr(c.logFormat)
	ad.MetricsAddr = ptr(c.metricsAddr)
	ad.LogMetricsEvery = ptr(c.logMetricsEvery)
	ad.MDNSEnable = ptr(c.mdnsEnable)
	ad.MDNSName = ptr(c.mdnsName)
	return fc
}
