package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "referralnet"

// Metrics holds the service collectors. All methods are safe on a nil
// receiver so callers never need to check whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	registrations  prometheus.Counter
	codesIssued    prometheus.Counter
	codeCollisions prometheus.Counter
	reconciled     *prometheus.CounterVec
	chainCredits   prometheus.Counter
	brokenChains   prometheus.Counter
	promotions     *prometheus.CounterVec
	orphansFixed   prometheus.Counter
	auditFixed     prometheus.Counter
	auditErrors    prometheus.Counter
	notifyFailures prometheus.Counter
	journalErrors  prometheus.Counter
	probeValues    *prometheus.GaugeVec
	probeFailures  *prometheus.CounterVec
	sweeps         *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry:       reg,
		registrations:  counter("registrations_total", "Member profiles registered."),
		codesIssued:    counter("referral_codes_issued_total", "Referral codes newly reserved."),
		codeCollisions: counter("referral_code_collisions_total", "Generated codes rejected as already reserved."),
		reconciled:     counterVec("registry_reconciled_total", "Registry reconciliations that changed a side.", "action"),
		chainCredits:   counter("chain_credits_total", "Upline members credited by chain processing."),
		brokenChains:   counter("broken_chains_total", "Chain walks that ended on an unresolvable code."),
		promotions:     counterVec("role_promotions_total", "Role promotions by new role.", "role"),
		orphansFixed:   counter("orphans_fixed_total", "Orphaned members attached to the root."),
		auditFixed:     counter("audit_fixed_total", "Members fixed by full reconciliation runs."),
		auditErrors:    counter("audit_errors_total", "Members that failed during full reconciliation runs."),
		notifyFailures: counter("notification_failures_total", "Promotion notices that could not be queued."),
		journalErrors:  counter("journal_failures_total", "Member events that could not be journaled."),
		probeFailures:  counterVec("probe_violations_total", "Invariant probe threshold violations.", "probe"),
		sweeps:         counterVec("sweeps_total", "Sweeper runs by outcome.", "outcome"),
	}

	m.probeValues = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "probe_value",
		Help:      "Last observed value of each invariant probe.",
	}, []string{"probe"})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})
	m.httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
	reg.MustRegister(m.probeValues, m.httpRequests, m.httpLatency)

	return m
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Registered() {
	if m != nil {
		m.registrations.Inc()
	}
}

func (m *Metrics) CodeIssued() {
	if m != nil {
		m.codesIssued.Inc()
	}
}

func (m *Metrics) CodeCollision() {
	if m != nil {
		m.codeCollisions.Inc()
	}
}

func (m *Metrics) Reconciled(action string) {
	if m != nil {
		m.reconciled.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) ChainCredited(n int) {
	if m != nil {
		m.chainCredits.Add(float64(n))
	}
}

func (m *Metrics) BrokenChain() {
	if m != nil {
		m.brokenChains.Inc()
	}
}

func (m *Metrics) Promoted(role string) {
	if m != nil {
		m.promotions.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) OrphansFixed(n int) {
	if m != nil {
		m.orphansFixed.Add(float64(n))
	}
}

func (m *Metrics) AuditCompleted(fixed, errors int) {
	if m != nil {
		m.auditFixed.Add(float64(fixed))
		m.auditErrors.Add(float64(errors))
	}
}

func (m *Metrics) NotificationFailed() {
	if m != nil {
		m.notifyFailures.Inc()
	}
}

func (m *Metrics) JournalFailed() {
	if m != nil {
		m.journalErrors.Inc()
	}
}

// ProbeObserved records the value of an invariant probe and whether it
// breached its threshold.
func (m *Metrics) ProbeObserved(name string, value float64, violated bool) {
	if m == nil {
		return
	}
	m.probeValues.WithLabelValues(name).Set(value)
	if violated {
		m.probeFailures.WithLabelValues(name).Inc()
	}
}

// SweepCompleted counts a sweeper run. outcome is one of ok, failed or
// skipped.
func (m *Metrics) SweepCompleted(outcome string) {
	if m != nil {
		m.sweeps.WithLabelValues(outcome).Inc()
	}
}

// Middleware records request counts and latency keyed by the chi route
// pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
		m.httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.status = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}
