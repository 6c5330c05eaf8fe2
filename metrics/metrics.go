/*
Package metrics exposes Prometheus collectors for the billing engine.

COLLECTORS:
  billing_http_requests_total{route,code}        Requests by chi route pattern
  billing_http_request_duration_seconds{route}   Request latency
  billing_entries_logged_total{billing_type}     Time entries stored
  billing_hours_logged_total{bucket}             Hours by pool/overtime/hourly/fixed/internal
  billing_batch_transitions_total{from,to}       Batch lifecycle moves
  billing_indexation_notices{alert}              Result of the latest indexation scan

Every collector lives in a private registry so tests and several servers in
one process never collide on prometheus.DefaultRegisterer.

A nil *Metrics is valid and records nothing.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// Metrics implements billing.Observer and the HTTP instrumentation.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	entriesLogged     *prometheus.CounterVec
	hoursLogged       *prometheus.CounterVec
	batchTransitions  *prometheus.CounterVec
	indexationNotices *prometheus.GaugeVec
}

var _ billing.Observer = (*Metrics)(nil)

// New builds the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		entriesLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_entries_logged_total",
			Help: "Time entries stored, by billing type.",
		}, []string{"billing_type"}),
		hoursLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_hours_logged_total",
			Help: "Hours logged, by billing bucket.",
		}, []string{"bucket"}),
		batchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_batch_transitions_total",
			Help: "Billing batch status transitions.",
		}, []string{"from", "to"}),
		indexationNotices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "billing_indexation_notices",
			Help: "Agreements needing price indexation in the latest scan.",
		}, []string{"alert"}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.entriesLogged,
		m.hoursLogged,
		m.batchTransitions,
		m.indexationNotices,
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// EntryLogged counts the entry and its hours per bucket.
func (m *Metrics) EntryLogged(e billing.TimeEntry) {
	if m == nil {
		return
	}
	m.entriesLogged.WithLabelValues(string(e.BillingType)).Inc()

	switch e.BillingType {
	case billing.BillingTimebank, billing.BillingOvertime:
		m.addHours("pool", e.PoolHours.Decimal)
		m.addHours("overtime", e.OvertimeHours.Decimal)
	default:
		m.addHours(string(e.BillingType), e.HoursOrZero())
	}
}

// BatchTransitioned counts a lifecycle move.
func (m *Metrics) BatchTransitioned(from, to billing.BatchStatus) {
	if m == nil {
		return
	}
	m.batchTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// IndexationScanned replaces the notice gauges with the latest scan.
func (m *Metrics) IndexationScanned(notices []billing.IndexationNotice) {
	if m == nil {
		return
	}
	counts := map[billing.IndexationAlert]int{
		billing.IndexationWarning: 0,
		billing.IndexationOverdue: 0,
	}
	for _, n := range notices {
		counts[n.Alert]++
	}
	for alert, n := range counts {
		m.indexationNotices.WithLabelValues(string(alert)).Set(float64(n))
	}
}

func (m *Metrics) addHours(bucket string, hours decimal.Decimal) {
	if hours.IsPositive() {
		m.hoursLogged.WithLabelValues(bucket).Add(hours.InexactFloat64())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
