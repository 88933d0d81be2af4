package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the gateway's Prometheus collectors, one family per gate.
type Registry struct {
	Decisions     *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec
	CertRejected  *prometheus.CounterVec
	QueryRejected *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_decisions_total",
			Help: "Admission decisions by outcome and reason code.",
		}, []string{"outcome", "reason"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Requests rejected by a fixed-window limiter, by scope.",
		}, []string{"scope"}),
		CertRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_mtls_rejections_total",
			Help: "Partner-route requests rejected by certificate trust, by code.",
		}, []string{"code"}),
		QueryRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_query_rejections_total",
			Help: "GraphQL documents rejected by the complexity guard, by metric.",
		}, []string{"metric"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Request latency by method and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
		registry: reg,
	}
	reg.MustRegister(
		m.Decisions, m.RateLimited, m.CertRejected, m.QueryRejected, m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request latency per method and status code.
func (m *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPDuration.WithLabelValues(r.Method, strconv.Itoa(rec.code)).
			Observe(time.Since(start).Seconds())
	})
}
