// Package metrics provides Prometheus instrumentation for the exchange core.
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
	// OrdersTotal counts submissions by outcome (accepted, rejected reason).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_total",
		Help: "Total order submissions by result",
	}, []string{"result"})

	// TradesTotal counts executed fills.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	})

	// MatchLatency tracks submission processing latency.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_match_latency_seconds",
		Help:    "Order submission processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// IsLeader is 1 while this node holds the leader lock.
	IsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_is_leader",
		Help: "1 if this node is the cluster leader, 0 otherwise",
	})

	// LeadershipTransitions counts elections won and leaderships lost.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_leadership_transitions_total",
		Help: "Leadership transitions by direction",
	}, []string{"direction"}) // "elected" | "demoted"

	// BroadcastsTotal counts cluster pub/sub messages published per channel.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_broadcasts_total",
		Help: "Cluster broadcast messages published",
	}, []string{"channel"})

	// BreakerState reports each circuit breaker's state (0 closed, 1 open,
	// 2 half-open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exchange_circuit_breaker_state",
		Help: "Circuit breaker state: 0=closed 1=open 2=half_open",
	}, []string{"name"})

	// DiscrepanciesTotal counts reconciliation findings by kind.
	DiscrepanciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_reconciliation_discrepancies_total",
		Help: "Reconciliation discrepancies recorded by kind",
	}, []string{"kind"})

	// LastCheckedBlock is the newest block covered by a clean
	// reconciliation pass.
	LastCheckedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_reconciliation_last_checked_block",
		Help: "Highest block number covered by a clean reconciliation pass",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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

		// Use the raw path for the label; route patterns keep cardinality
		// bounded because market keys are a small fixed set per deployment.
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
