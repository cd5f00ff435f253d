package entitlement

import "time"

// Metrics defines the interface for recording engine metrics.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook by its outcome.
	RecordWebhookEvent(source Source, eventType string, outcome Outcome)

	// RecordWebhookDuration records how long ingestion of one webhook took.
	RecordWebhookDuration(source Source, duration time.Duration)

	// RecordSignatureFailure records a webhook rejected by authenticity checks.
	RecordSignatureFailure(source Source)

	// RecordSync records a reconcile call.
	// result: "applied", "stale", "not_found", "unchanged" or "error"
	RecordSync(source Source, result string)

	// RecordSyncDuration records how long a reconcile call took.
	RecordSyncDuration(source Source, duration time.Duration)

	// RecordStatusChange records a committed subscription status change.
	RecordStatusChange(source Source, from, to Status)

	// RecordConflict records an equal-timestamp state resolved by tie-break.
	RecordConflict(source Source)

	// RecordPremiumCheck records a resolver answer.
	RecordPremiumCheck(premium bool)

	// RecordTask records a task queue result.
	// result: "completed", "retried" or "failed"
	RecordTask(kind TaskKind, result string)

	// RecordDiscountSync records a remote discount operation.
	RecordDiscountSync(operation, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_ Source, _ string, _ Outcome)    {}
func (n *NoopMetrics) RecordWebhookDuration(_ Source, _ time.Duration)     {}
func (n *NoopMetrics) RecordSignatureFailure(_ Source)                     {}
func (n *NoopMetrics) RecordSync(_ Source, _ string)                       {}
func (n *NoopMetrics) RecordSyncDuration(_ Source, _ time.Duration)        {}
func (n *NoopMetrics) RecordStatusChange(_ Source, _, _ Status)            {}
func (n *NoopMetrics) RecordConflict(_ Source)                             {}
func (n *NoopMetrics) RecordPremiumCheck(_ bool)                           {}
func (n *NoopMetrics) RecordTask(_ TaskKind, _ string)                     {}
func (n *NoopMetrics) RecordDiscountSync(_, _ string)                      {}

func orNoopMetrics(m Metrics) Metrics {
	if m == nil {
		return &NoopMetrics{}
	}
	return m
}
