package keysync

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelRole    = "role"
	labelOutcome = "outcome"
	labelErrKind = "error_kind"

	reqPath    = "http_req_path"
	reqMethod  = "http_req_method"
	respStatus = "http_resp_status"

	namespace = "nitro_keysync"
)

// metrics contains the Prometheus metrics this daemon exports, generalized
// from the teacher's reverse-proxy response metrics to handshake session
// outcomes (this daemon proxies no application traffic) plus the same
// control-surface request counting the teacher's chi middleware provided.
type metrics struct {
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	controlRequests  *prometheus.CounterVec
}

// newMetrics initializes and registers the daemon's Prometheus metrics.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Handshake sessions by role and outcome.",
			},
			[]string{labelRole, labelOutcome, labelErrKind},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Wall-clock duration of a handshake session.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{labelRole, labelOutcome},
		),
		controlRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_http_requests_total",
				Help:      "HTTP requests against the enclave-internal control surface.",
			},
			[]string{reqPath, reqMethod, respStatus},
		),
	}
	reg.MustRegister(m.sessionsTotal, m.sessionDuration, m.controlRequests)

	return m
}

// observeSession records one completed handshake's outcome and duration.
// errKind is empty for a successful (installed/completed) session.
func (m *metrics) observeSession(role Role, outcome string, errKind string, seconds float64) {
	m.sessionsTotal.With(prometheus.Labels{labelRole: string(role), labelOutcome: outcome, labelErrKind: errKind}).Inc()
	m.sessionDuration.With(prometheus.Labels{labelRole: string(role), labelOutcome: outcome}).Observe(seconds)
}

// middleware implements a chi middleware that records each control-surface
// request, following the teacher's own metrics.middleware.
func (m *metrics) middleware(h http.Handler) http.Handler {
	f := func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h.ServeHTTP(ww, r)
		m.controlRequests.With(prometheus.Labels{
			reqPath:    r.URL.Path,
			reqMethod:  r.Method,
			respStatus: fmt.Sprint(ww.Status()),
		}).Inc()
	}
	return http.HandlerFunc(f)
}
