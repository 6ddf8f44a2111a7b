// Package telemetry exposes Prometheus metrics for the auth flows and the
// HTTP surface.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's instruments. All vectors are pre-registered;
// recording never fails.
type Metrics struct {
	registry *prometheus.Registry

	// LoginsStarted counts authorization redirects built, per provider.
	LoginsStarted *prometheus.CounterVec

	// CallbacksTotal counts callback outcomes, per provider and result
	// (ok, error).
	CallbacksTotal *prometheus.CounterVec

	// TokenGrants counts token endpoint grants performed, per grant type
	// and result.
	TokenGrants *prometheus.CounterVec

	// VerificationsTotal counts bearer token verifications, per result
	// (ok, expired, invalid).
	VerificationsTotal *prometheus.CounterVec

	// ServiceTokensIssued counts client_credentials issuances, per provider.
	ServiceTokensIssued *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates and registers the gateway's metrics on a private registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		LoginsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_logins_started_total",
			Help: "Authorization redirects built.",
		}, []string{"provider"}),
		CallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_callbacks_total",
			Help: "Authorization callback outcomes.",
		}, []string{"provider", "result"}),
		TokenGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_token_grants_total",
			Help: "Token endpoint grants performed.",
		}, []string{"grant_type", "result"}),
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_token_verifications_total",
			Help: "Bearer token verification outcomes.",
		}, []string{"result"}),
		ServiceTokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_service_tokens_issued_total",
			Help: "Service tokens issued with the client_credentials grant.",
		}, []string{"provider"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	for _, collector := range []prometheus.Collector{
		m.LoginsStarted, m.CallbacksTotal, m.TokenGrants,
		m.VerificationsTotal, m.ServiceTokensIssued,
		m.httpRequestsTotal, m.httpRequestDuration,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware instruments requests with the HTTP counters. The path label is
// the chi route pattern, not the raw URL, so tokens and ids never become
// label values.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
