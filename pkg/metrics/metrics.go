// Package metrics exposes Prometheus instruments for the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scheme"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	payments        *prometheus.CounterVec
	grams           *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	overdueMonths   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payments_recorded_total",
			Help: "Payments appended to the ledger.",
		}, []string{"grade", "kind", "status"}),
		grams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "grams_allocated_total",
			Help: "Grams allocated by successful payments.",
		}, []string{"grade"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "billing_sweeps_total",
			Help: "Billing-month cache sweeps by outcome.",
		}, []string{"result"}),
		overdueMonths: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "overdue_billing_months",
			Help: "Overdue billing months seen by the last sweep.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration, m.payments, m.grams, m.sweeps, m.overdueMonths,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// PaymentRecorded counts one ledger append.
func (m *Metrics) PaymentRecorded(grade, kind, status string, grams float64) {
	m.payments.WithLabelValues(grade, kind, status).Inc()
	if status == "SUCCESS" && grams > 0 {
		m.grams.WithLabelValues(grade).Add(grams)
	}
}

// SweepFinished records the outcome of a sweep run.
func (m *Metrics) SweepFinished(overdue int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.overdueMonths.Set(float64(overdue))
}

// Middleware records request counts and latency per chi route pattern, so
// /api/enrollments/{id} is one series rather than one per enrollment.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
