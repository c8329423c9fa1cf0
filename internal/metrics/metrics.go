// Package metrics provides Prometheus instrumentation for the sub-ledger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FillsTotal counts processed fills by attribution outcome
	// (attributed, unattributed, duplicate).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_fills_total",
		Help: "Fills processed, by attribution outcome",
	}, []string{"outcome"})

	// FillLatency tracks time from venue trade time to ledger update.
	FillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "subledger_fill_latency_seconds",
		Help:    "Delay between venue trade time and ledger update",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// OrdersTotal counts order placements by type and result.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_orders_total",
		Help: "Orders sent to the venue, by type and result",
	}, []string{"type", "result"})

	// BracketSyncTotal counts bracket transitions by final state.
	BracketSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_bracket_sync_total",
		Help: "Bracket set/clear operations, by resulting state",
	}, []string{"state"})

	// ConsistencyMismatches tracks keys currently in MISMATCH.
	ConsistencyMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subledger_consistency_mismatches",
		Help: "Number of (account, symbol, side) keys in MISMATCH at the last check",
	})

	// ReconcileTotal counts reconcile requests by result code.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_reconcile_total",
		Help: "Reconcile requests, by result",
	}, []string{"result"})

	// FeedEventsTotal counts feed messages by event kind and disposition.
	FeedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_feed_events_total",
		Help: "Venue feed messages, by kind and disposition",
	}, []string{"kind", "disposition"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subledger_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
