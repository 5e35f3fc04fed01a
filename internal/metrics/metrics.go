// Package metrics provides Prometheus instrumentation for the paper engine.
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
	// OrdersPlaced counts orders accepted by the paper facade, by price type.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_orders_placed_total",
		Help: "Total number of paper orders placed",
	}, []string{"price_type"})

	// OrderTransitions counts terminal order transitions, by resulting status.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_order_transitions_total",
		Help: "Terminal order transitions by status",
	}, []string{"status"})

	// FillLatency measures the atomic fill transaction, by side.
	FillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_fill_latency_seconds",
		Help:    "Fill transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// FillVolume tracks cumulative filled quantity per symbol and side.
	FillVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_fill_volume_total",
		Help: "Cumulative filled quantity in shares",
	}, []string{"symbol", "side"})

	// PendingOrders is the number of PENDING orders seen by the last pass.
	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_pending_orders",
		Help: "Pending orders evaluated in the last engine pass",
	})

	// EnginePassDuration measures one evaluation pass over pending orders.
	EnginePassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paper_engine_pass_seconds",
		Help:    "Matching engine pass duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// EngineErrors counts failed or panicked evaluation passes.
	EngineErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_engine_errors_total",
		Help: "Matching engine passes that failed",
	})

	// PriceLookups counts oracle lookups by result: hit, miss, mock, error.
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_price_lookups_total",
		Help: "Price oracle lookups by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// CachedServices tracks the number of facade instances held by the selector.
	CachedServices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_cached_services",
		Help: "Trading service instances cached by the selector",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
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

		// Route pattern keeps order IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
