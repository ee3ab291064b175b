package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// DecisionsTotal counts access decisions by outcome and reason code.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Access decisions taken by the route guard.",
		},
		[]string{"outcome", "reason"},
	)

	// SecurityEventsTotal counts security events by what happened to them.
	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_security_events_total",
			Help: "Security events by result (recorded, dropped, failed, rejected).",
		},
		[]string{"result"},
	)

	auditBreakerOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gate_audit_breaker_open",
		Help: "1 when the audit store circuit breaker is open.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gate_ready",
		Help: "1 when the service reports ready.",
	})

	initOnce sync.Once
)

// Init registers the collectors in the default registry. Idempotent.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			DecisionsTotal,
			SecurityEventsTotal,
			auditBreakerOpen,
			ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision records one guard decision.
func ObserveDecision(outcome, reason string) {
	DecisionsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveSecurityEvent records what happened to one security event.
func ObserveSecurityEvent(result string) {
	SecurityEventsTotal.WithLabelValues(result).Inc()
}

// SetAuditBreakerOpen tracks the audit store breaker state.
func SetAuditBreakerOpen(open bool) {
	if open {
		auditBreakerOpen.Set(1)
		return
	}
	auditBreakerOpen.Set(0)
}

// SetReady toggles the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures request rate, latency and in-flight count. It must be
// mounted with chi's Use so the matched route pattern is known after routing.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := RoutePattern(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RoutePattern returns the chi route pattern for r, keeping label cardinality bounded.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
