package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-ais-forwarder/internal/logging"
)

// Prometheus counters
var (
	SerialRxSentences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_sentences_total",
		Help: "Total complete lines read from the serial device.",
	})
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total bytes read from the serial device.",
	})
	TCPTxSentences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_sentences_total",
		Help: "Total sentences fully written to the TCP endpoint.",
	})
	TCPTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_bytes_total",
		Help: "Total bytes written to the TCP endpoint.",
	})
	QueueDroppedSentences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_dropped_sentences_total",
		Help: "Total sentences discarded because the forward queue was full.",
	})
	TCPLostSentences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_lost_sentences_total",
		Help: "Total in-flight sentences discarded after a failed TCP write.",
	})
	MalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_lines_total",
		Help: "Total serial lines discarded for exceeding the maximum length.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Sentences waiting in the forward queue.",
	})
	Connects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_connects_total",
		Help: "Successful connections per transport.",
	}, []string{"transport"})
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_retry_attempts_total",
		Help: "Backoff waits scheduled per transport.",
	}, []string{"transport"})
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transport_state",
		Help: "Connection state per transport (0=disconnected 1=connecting 2=connected 3=closing).",
	}, []string{"transport"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
	healthFn    func() any
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialOpen    = "serial_open"
	ErrSerialRead    = "serial_read"
	ErrTCPDial       = "tcp_dial"
	ErrTCPWrite      = "tcp_write"
	ErrTCPPeerClosed = "tcp_peer_closed"
	ErrWorkerPanic   = "worker_panic"
	ErrFatal         = "fatal"
)

// Transport label values.
const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// Handler returns the admin router: /metrics, /ready and /healthz.
func Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		readinessMu.RLock()
		fn := healthFn
		readinessMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		if fn == nil {
			_, _ = w.Write([]byte("{}\n"))
			return
		}
		if !IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(fn())
	})
	return r
}

// StartHTTP serves the admin router on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx      uint64
	localSerialRxBytes uint64
	localTCPTx         uint64
	localTCPTxBytes    uint64
	localQueueDrop     uint64
	localTCPLost       uint64
	localMalformed     uint64
	localErrors        uint64
	localQueueDepth    uint64
	localSerialConn    uint64
	localTCPConn       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx       uint64
	SerialRxBytes  uint64
	TCPTx          uint64
	TCPTxBytes     uint64
	QueueDrops     uint64
	TCPLost        uint64
	Malformed      uint64
	Errors         uint64 // sum across error labels
	QueueDepth     uint64
	SerialConnects uint64
	TCPConnects    uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:       atomic.LoadUint64(&localSerialRx),
		SerialRxBytes:  atomic.LoadUint64(&localSerialRxBytes),
		TCPTx:          atomic.LoadUint64(&localTCPTx),
		TCPTxBytes:     atomic.LoadUint64(&localTCPTxBytes),
		QueueDrops:     atomic.LoadUint64(&localQueueDrop),
		TCPLost:        atomic.LoadUint64(&localTCPLost),
		Malformed:      atomic.LoadUint64(&localMalformed),
		Errors:         atomic.LoadUint64(&localErrors),
		QueueDepth:     atomic.LoadUint64(&localQueueDepth),
		SerialConnects: atomic.LoadUint64(&localSerialConn),
		TCPConnects:    atomic.LoadUint64(&localTCPConn),
	}
}

// AddSerialRx records one decoded line of n bytes.
func AddSerialRx(n int) {
	SerialRxSentences.Inc()
	SerialRxBytes.Add(float64(n))
	atomic.AddUint64(&localSerialRx, 1)
	atomic.AddUint64(&localSerialRxBytes, uint64(n))
}

// AddTCPTx records one sentence of n bytes delivered to the endpoint.
func AddTCPTx(n int) {
	TCPTxSentences.Inc()
	TCPTxBytes.Add(float64(n))
	atomic.AddUint64(&localTCPTx, 1)
	atomic.AddUint64(&localTCPTxBytes, uint64(n))
}

func IncQueueDrop() {
	QueueDroppedSentences.Inc()
	atomic.AddUint64(&localQueueDrop, 1)
}

func IncTCPLost() {
	TCPLostSentences.Inc()
	atomic.AddUint64(&localTCPLost, 1)
}

func IncMalformed() {
	MalformedLines.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
	atomic.StoreUint64(&localQueueDepth, uint64(n))
}

// IncConnect counts a successful open of the named transport.
func IncConnect(transport string) {
	Connects.WithLabelValues(transport).Inc()
	switch transport {
	case TransportSerial:
		atomic.AddUint64(&localSerialConn, 1)
	case TransportTCP:
		atomic.AddUint64(&localTCPConn, 1)
	}
}

func IncRetry(transport string) { RetryAttempts.WithLabelValues(transport).Inc() }

// SetState publishes the numeric connection state of a transport.
func SetState(transport string, state int) {
	ConnectionState.WithLabelValues(transport).Set(float64(state))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialOpen, ErrSerialRead,
		ErrTCPDial, ErrTCPWrite, ErrTCPPeerClosed,
		ErrWorkerPanic, ErrFatal,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, tr := range []string{TransportSerial, TransportTCP} {
		Connects.WithLabelValues(tr).Add(0)
		RetryAttempts.WithLabelValues(tr).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// SetHealthFunc registers the document served by /healthz.
func SetHealthFunc(fn func() any) { readinessMu.Lock(); healthFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
