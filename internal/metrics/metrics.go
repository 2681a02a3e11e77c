// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EntriesPosted counts journal entries committed, partitioned by direction.
	EntriesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolhub_journal_entries_total",
		Help: "Total journal entries committed",
	}, []string{"direction"})

	// WindowsOpened counts ledger windows opened via unlock.
	WindowsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolhub_ledger_windows_opened_total",
		Help: "Ledger transaction windows opened",
	})

	// WindowsLocked counts windows that balanced and committed.
	WindowsLocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolhub_ledger_windows_locked_total",
		Help: "Ledger transaction windows locked successfully",
	})

	// UnbalancedLocks counts lock attempts rejected for imbalance.
	UnbalancedLocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolhub_ledger_unbalanced_locks_total",
		Help: "Lock attempts rejected because debits != credits",
	})

	// WindowsAborted counts windows discarded without committing.
	WindowsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolhub_ledger_windows_aborted_total",
		Help: "Ledger transaction windows aborted",
	})

	// Revaluations counts holding revaluations, partitioned by outcome.
	Revaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolhub_revaluations_total",
		Help: "Holding revaluations performed",
	}, []string{"outcome"}) // gain, loss, flat

	// ActivePools tracks the number of registered pools.
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolhub_active_pools",
		Help: "Number of registered pools",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolhub_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolhub_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolhub_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
