// Package metrics provides Prometheus instrumentation for the calculation engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrderValidations counts order validation decisions by order type and status.
	OrderValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_order_validations_total",
		Help: "Total order validations by type and decision",
	}, []string{"order_type", "status"})

	// ValidationLatency tracks per-order validation processing time.
	ValidationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ims_validation_latency_seconds",
		Help:    "Order validation processing time in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5},
	}, []string{"order_type"})

	// SLABreaches counts validations whose processing time exceeded the SLA.
	SLABreaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ims_validation_sla_breaches_total",
		Help: "Order validations slower than the configured SLA",
	})

	// LocateTransitions counts locate state changes by resulting status.
	LocateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_locate_transitions_total",
		Help: "Locate request transitions by resulting status and decision source",
	}, []string{"status", "source"})

	// LocateConflicts counts transitions lost to a concurrent decision.
	LocateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ims_locate_conflicts_total",
		Help: "Locate transitions rejected because the request was already processed",
	})

	// RuleCacheClears counts rule cache invalidations.
	RuleCacheClears = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ims_rule_cache_clears_total",
		Help: "Rule cache invalidations",
	})

	// InventoryCalculations counts per-security availability computations,
	// partitioned by whether the memo was hit.
	InventoryCalculations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_inventory_calculations_total",
		Help: "Per-security inventory calculations",
	}, []string{"result"})

	// JobRuns counts background job executions by job and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_job_runs_total",
		Help: "Background job runs",
	}, []string{"job", "outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ims_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ims_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ims_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1.0},
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
		// The chi wrapper keeps http.Hijacker for the WebSocket upgrade.
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so IDs don't explode cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
