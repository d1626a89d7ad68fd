// Package metrics provides Prometheus metrics for the maternity dashboard.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/healthgest/go-maternity/internal/dashboard"
	"github.com/healthgest/go-maternity/internal/maternity"
	"github.com/healthgest/go-maternity/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	DashboardBuilds      *prometheus.CounterVec
	BuildDuration        *prometheus.HistogramVec
	PredictionFallbacks  *prometheus.CounterVec
	SelectionsSuperseded *prometheus.CounterVec
	InsightsFetched      *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge
	BackendRequests      *prometheus.CounterVec
	BackendDuration      *prometheus.HistogramVec
	KafkaMessages        *prometheus.CounterVec
	ConsumerLag          *prometheus.GaugeVec
	OutboxPending        prometheus.Gauge
	OutboxFailed         prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
	HTTPRequests         *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	SnapshotsProcessed   *prometheus.CounterVec
	registry             prometheus.Gatherer
}

var _ dashboard.Observer = (*Metrics)(nil)

// New creates all metrics and registers them with reg. A nil reg registers
// with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	latency := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	m := &Metrics{
		DashboardBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_builds_total",
			Help: "Dashboard builds by cohort and outcome",
		}, []string{"cohort", "outcome"}),
		BuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dashboard_build_duration_seconds",
			Help:    "Dashboard build duration",
			Buckets: latency,
		}, []string{"cohort"}),
		PredictionFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_prediction_fallbacks_total",
			Help: "Builds that fell back to recorded risk values",
		}, []string{"cohort", "reason"}),
		SelectionsSuperseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_selections_superseded_total",
			Help: "Selection results discarded because a newer selection started",
		}, []string{"cohort"}),
		InsightsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_insights_fetched_total",
			Help: "AI care plan fetches by kind and outcome",
		}, []string{"kind", "outcome"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashboard_sessions_active",
			Help: "Currently open dashboard sessions",
		}),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_requests_total",
			Help: "Requests to the maternity backend by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Maternity backend request duration",
			Buckets: latency,
		}, []string{"endpoint"}),
		KafkaMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_total",
			Help: "Kafka messages by topic, direction and outcome",
		}, []string{"topic", "direction", "outcome"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Consumer group lag by topic",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries past their retry limit",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: latency,
		}, []string{"route", "method"}),
		SnapshotsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshots_processed_total",
			Help: "Snapshot refresh requests by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.DashboardBuilds,
		m.BuildDuration,
		m.PredictionFallbacks,
		m.SelectionsSuperseded,
		m.InsightsFetched,
		m.ActiveSessions,
		m.BackendRequests,
		m.BackendDuration,
		m.KafkaMessages,
		m.ConsumerLag,
		m.OutboxPending,
		m.OutboxFailed,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPRequestDuration,
		m.SnapshotsProcessed,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	} else {
		m.registry = prometheus.DefaultGatherer
	}

	return m
}

// DashboardBuilt implements dashboard.Observer.
func (m *Metrics) DashboardBuilt(cohort dashboard.Cohort, outcome string, elapsed time.Duration) {
	m.DashboardBuilds.WithLabelValues(string(cohort), outcome).Inc()
	m.BuildDuration.WithLabelValues(string(cohort)).Observe(elapsed.Seconds())
}

// PredictionFallback implements dashboard.Observer.
func (m *Metrics) PredictionFallback(cohort dashboard.Cohort, reason string) {
	m.PredictionFallbacks.WithLabelValues(string(cohort), reason).Inc()
}

// SelectionSuperseded implements dashboard.Observer.
func (m *Metrics) SelectionSuperseded(cohort dashboard.Cohort) {
	m.SelectionsSuperseded.WithLabelValues(string(cohort)).Inc()
}

// InsightFetched implements dashboard.Observer.
func (m *Metrics) InsightFetched(kind maternity.InsightKind, outcome string) {
	m.InsightsFetched.WithLabelValues(string(kind), outcome).Inc()
}

// SessionsActive implements dashboard.Observer.
func (m *Metrics) SessionsActive(n int) {
	m.ActiveSessions.Set(float64(n))
}

// BackendRequest records one maternity backend call.
func (m *Metrics) BackendRequest(endpoint, outcome string, elapsed time.Duration) {
	m.BackendRequests.WithLabelValues(endpoint, outcome).Inc()
	m.BackendDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// KafkaMessage records one produced or consumed record.
func (m *Metrics) KafkaMessage(topic, direction, outcome string) {
	m.KafkaMessages.WithLabelValues(topic, direction, outcome).Inc()
}

// GroupLag records the lag of the snapshot consumer group per topic.
func (m *Metrics) GroupLag(lag map[string]int64) {
	for topic, n := range lag {
		m.ConsumerLag.WithLabelValues(topic).Set(float64(n))
	}
}

// OutboxStats records the relay backlog.
func (m *Metrics) OutboxStats(pending, failed int64) {
	m.OutboxPending.Set(float64(pending))
	m.OutboxFailed.Set(float64(failed))
}

// SnapshotProcessed records one refresh request outcome.
func (m *Metrics) SnapshotProcessed(outcome string) {
	m.SnapshotsProcessed.WithLabelValues(outcome).Inc()
}

// BreakerStateChanged is passed to circuitbreaker.NewManager.
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// HTTPRequest records one served request. route should be the route
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(route, method string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
