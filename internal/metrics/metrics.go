// Package metrics provides Prometheus instrumentation for the settlement
// engine.
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
	// SettlementsTotal counts settlement runs by result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_settlements_total",
		Help: "Settlement runs by result (completed, skipped, failed)",
	}, []string{"result"})

	// SettlementDuration tracks how long a completed settlement run takes.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settle_settlement_duration_seconds",
		Help:    "Duration of completed settlement runs in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TradeOutcomesTotal counts per-intent settlement outcomes by status.
	TradeOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trade_outcomes_total",
		Help: "Trade outcomes recorded during settlement, by status",
	}, []string{"status"})

	// IntentsAcceptedTotal counts accepted order intents by side.
	IntentsAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_intents_accepted_total",
		Help: "Order intents accepted at intake",
	}, []string{"action"})

	// IntentsRejectedTotal counts intents rejected by intake validation.
	IntentsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_intents_rejected_total",
		Help: "Order intents rejected by intake validation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
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
