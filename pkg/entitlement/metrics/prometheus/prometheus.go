package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Metrics implements entitlement.Metrics using Prometheus. Provider API
// calls are counted by pkg/billing/metrics/prometheus.
type Metrics struct {
	webhookEventsTotal       *prometheus.CounterVec
	webhookDuration          *prometheus.HistogramVec
	signatureFailuresTotal   *prometheus.CounterVec
	syncTotal                *prometheus.CounterVec
	syncDuration             *prometheus.HistogramVec
	statusChangesTotal       *prometheus.CounterVec
	conflictsTotal           *prometheus.CounterVec
	premiumChecksTotal       *prometheus.CounterVec
	tasksTotal               *prometheus.CounterVec
	discountSyncTotal        *prometheus.CounterVec
	breakerStateChangesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of processed webhook events by outcome.",
		}, []string{"source", "event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Latency of webhook ingestion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		signatureFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_signature_failures_total",
			Help:      "Total number of webhooks rejected by signature verification.",
		}, []string{"source"}),


		syncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Total number of provider syncs by result.",
		}, []string{"source", "result"}),

		syncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Latency of provider syncs including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		statusChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_status_changes_total",
			Help:      "Total number of committed subscription status changes.",
		}, []string{"source", "from", "to"}),

		conflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ordering_conflicts_total",
			Help:      "Total number of equal-timestamp states resolved by tie-break.",
		}, []string{"source"}),

		premiumChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "premium_checks_total",
			Help:      "Total number of premium checks by answer.",
		}, []string{"premium"}),

		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of task executions by result.",
		}, []string{"kind", "result"}),

		discountSyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_sync_total",
			Help:      "Total number of remote discount operations.",
		}, []string{"operation", "status"}),



		breakerStateChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of provider circuit breaker state changes.",
		}, []string{"source", "state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(source entitlement.Source, eventType string, outcome entitlement.Outcome) {
	m.webhookEventsTotal.WithLabelValues(string(source), eventType, string(outcome)).Inc()
}

func (m *Metrics) RecordWebhookDuration(source entitlement.Source, duration time.Duration) {
	m.webhookDuration.WithLabelValues(string(source)).Observe(duration.Seconds())
}

func (m *Metrics) RecordSignatureFailure(source entitlement.Source) {
	m.signatureFailuresTotal.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) RecordSync(source entitlement.Source, result string) {
	m.syncTotal.WithLabelValues(string(source), result).Inc()
}

func (m *Metrics) RecordSyncDuration(source entitlement.Source, duration time.Duration) {
	m.syncDuration.WithLabelValues(string(source)).Observe(duration.Seconds())
}

func (m *Metrics) RecordStatusChange(source entitlement.Source, from, to entitlement.Status) {
	m.statusChangesTotal.WithLabelValues(string(source), string(from), string(to)).Inc()
}

func (m *Metrics) RecordConflict(source entitlement.Source) {
	m.conflictsTotal.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) RecordPremiumCheck(premium bool) {
	m.premiumChecksTotal.WithLabelValues(strconv.FormatBool(premium)).Inc()
}

func (m *Metrics) RecordTask(kind entitlement.TaskKind, result string) {
	m.tasksTotal.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) RecordDiscountSync(operation, status string) {
	m.discountSyncTotal.WithLabelValues(operation, status).Inc()
}

// RecordBreakerStateChange matches the resilience.Config OnStateChange hook.
func (m *Metrics) RecordBreakerStateChange(source entitlement.Source, _, to string) {
	m.breakerStateChangesTotal.WithLabelValues(string(source), to).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

var _ entitlement.Metrics = (*Metrics)(nil)
