package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	WorkOrdersCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_orders_created_total",
			Help: "Total number of work orders created by difficulty",
		},
		[]string{"difficulty"},
	)
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total dispatch attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
	ModelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_request_duration_seconds",
			Help:    "Model call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "tier"},
	)
	QAVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qa_verdicts_total",
			Help: "QA verdicts by outcome (pass, retry, terminal, security)",
		},
		[]string{"outcome"},
	)
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Escalations by source and target tier",
		},
		[]string{"from", "to"},
	)
	BoardNotificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "board_notifications_total",
			Help: "High-priority board notifications emitted",
		},
	)
	QueueClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_stale_claims_total",
			Help: "Queue entries reclaimed from stalled consumers",
		},
	)
	WorkOrdersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "work_orders_in_flight",
			Help: "Work orders currently being executed by this process",
		},
	)
	DailyCostUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "daily_cost_usd",
			Help: "Accumulated model spend for the current UTC day",
		},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			WorkOrdersCreatedTotal,
			DispatchAttemptsTotal,
			ModelRequestDuration,
			QAVerdictsTotal,
			EscalationsTotal,
			BoardNotificationsTotal,
			QueueClaimsTotal,
			WorkOrdersInFlight,
			DailyCostUSD,
		)
	})
}

// HTTPMetricsMiddleware records request counts and latencies per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
