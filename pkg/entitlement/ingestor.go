package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultMaxEventAttempts = 5

// IngestorConfig holds configuration for the webhook ingestor.
type IngestorConfig struct {
	Store Store

	// Verifiers authenticates payloads per webhook endpoint. One verifier
	// may serve several sources.
	Verifiers map[Source]WebhookVerifier

	// Queue receives follow-up reconcile tasks for partial events.
	// Optional.
	Queue TaskQueue

	OnChange ChangeHandler
	Logger   Logger
	Metrics  Metrics
	Clock    Clock

	// MaxAttempts is the number of failed processing attempts after which
	// an event is marked failed and no longer reprocessed.
	MaxAttempts int
}

// IngestResult is the result of one webhook delivery.
type IngestResult struct {
	Outcome      Outcome
	EventID      string
	EventType    string
	Subscription *Subscription
	Reason       string
}

// Ingestor verifies, deduplicates and applies provider webhooks.
type Ingestor struct {
	store       Store
	verifiers   map[Source]WebhookVerifier
	queue       TaskQueue
	onChange    ChangeHandler
	logger      Logger
	metrics     Metrics
	clock       Clock
	maxAttempts int
}

// NewIngestor creates an ingestor.
func NewIngestor(config IngestorConfig) (*Ingestor, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if len(config.Verifiers) == 0 {
		return nil, fmt.Errorf("%w: at least one webhook verifier is required", ErrConfiguration)
	}
	for src := range config.Verifiers {
		if !src.Valid() {
			return nil, fmt.Errorf("%w: unknown source %q", ErrConfiguration, src)
		}
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxEventAttempts
	}
	return &Ingestor{
		store:       config.Store,
		verifiers:   config.Verifiers,
		queue:       config.Queue,
		onChange:    config.OnChange,
		logger:      orNoopLogger(config.Logger),
		metrics:     orNoopMetrics(config.Metrics),
		clock:       orSystemClock(config.Clock),
		maxAttempts: maxAttempts,
	}, nil
}

// Ingest processes one webhook delivery received on the endpoint of source.
// The returned error is non-nil only when the delivery must not be
// acknowledged: ErrSignatureInvalid, ErrInvalidPayload, or a local failure
// the provider should redeliver.
func (i *Ingestor) Ingest(ctx context.Context, source Source, payload []byte, signature string) (*IngestResult, error) {
	start := time.Now()
	defer func() { i.metrics.RecordWebhookDuration(source, time.Since(start)) }()

	verifier, ok := i.verifiers[source]
	if !ok {
		return nil, fmt.Errorf("%w: no webhook verifier for %s", ErrProviderNotConfigured, source)
	}

	evt, err := verifier.VerifyWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, ErrSignatureInvalid) {
			i.metrics.RecordSignatureFailure(source)
			i.logger.Warn("webhook signature rejected",
				F("source", string(source)),
				F("security", true),
				errField(err))
			return nil, err
		}
		i.logger.Warn("webhook decode failed", F("source", string(source)), errField(err))
		return nil, err
	}
	if evt.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}

	receipt := &WebhookEvent{
		ID:              uuid.NewString(),
		Source:          source,
		ExternalEventID: evt.ID,
		EventType:       evt.Type,
		ReceivedAt:      i.clock.Now(),
		Outcome:         OutcomePending,
		Payload:         payload,
	}
	if evt.State != nil {
		receipt.UserID = evt.State.UserID
	}

	stored, _, err := i.store.RecordWebhookEvent(ctx, receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if stored.Processed() {
		outcome := OutcomeDuplicate
		if stored.Outcome == OutcomeFailed {
			// Failed events are acknowledged and left for operator replay.
			outcome = OutcomeFailed
		}
		i.metrics.RecordWebhookEvent(source, evt.Type, outcome)
		i.logger.Debug("webhook already processed",
			F("source", string(source)),
			F("event_id", evt.ID),
			F("outcome", string(stored.Outcome)))
		return &IngestResult{Outcome: outcome, EventID: evt.ID, EventType: evt.Type}, nil
	}

	return i.process(ctx, source, evt, false)
}

// Replay reprocesses a stored event that ended in OutcomeFailed. The payload
// was authenticated on receipt, so the signature is not checked again.
func (i *Ingestor) Replay(ctx context.Context, source Source, externalEventID string) (*IngestResult, error) {
	verifier, ok := i.verifiers[source]
	if !ok {
		return nil, fmt.Errorf("%w: no webhook verifier for %s", ErrProviderNotConfigured, source)
	}
	stored, err := i.store.GetWebhookEvent(ctx, EventKey{Source: source, ExternalEventID: externalEventID})
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook event: %w", err)
	}
	if stored.Outcome != OutcomeFailed && stored.Processed() {
		return nil, fmt.Errorf("%w: outcome is %s", ErrNotReplayable, stored.Outcome)
	}
	evt, err := verifier.DecodeWebhook(ctx, stored.Payload)
	if err != nil {
		return nil, err
	}
	i.logger.Info("replaying webhook event",
		F("source", string(source)),
		F("event_id", externalEventID))
	return i.process(ctx, source, evt, true)
}

func (i *Ingestor) process(ctx context.Context, source Source, evt *ProviderEvent, replay bool) (*IngestResult, error) {
	key := &EventKey{Source: source, ExternalEventID: evt.ID}
	now := i.clock.Now()

	req := &ApplyRequest{Event: key, Replay: replay, Now: now}
	switch {
	case evt.State == nil:
		req.Outcome = OutcomeIgnored
	case evt.State.UserID == "":
		i.logger.Warn("webhook event has no user id",
			F("source", string(source)),
			F("event_id", evt.ID),
			F("event_type", evt.Type),
			F("customer_id", evt.CustomerID))
		req.Outcome = OutcomeRejected
	default:
		state := *evt.State
		if state.Source == "" {
			state.Source = source
		}
		if state.ObservedAt.IsZero() {
			state.ObservedAt = evt.OccurredAt
		}
		if state.EventID == "" {
			state.EventID = evt.ID
		}
		if state.Sequence == 0 {
			state.Sequence = evt.Sequence
		}
		req.UserID = state.UserID
		req.Source = state.Source
		req.Decide = func(current *Subscription) Decision {
			return decide(current, &state, now)
		}
	}

	res, err := i.store.Apply(ctx, req)
	if err != nil {
		return i.recordFailure(ctx, source, evt, err)
	}
	reason := res.Reason
	if res.Outcome == OutcomeRejected && req.Decide == nil && evt.CustomerID != "" {
		if i.scheduleCustomerSync(ctx, evt.CustomerID, stateSource(evt, source)) {
			reason = "user unresolved; customer sync scheduled"
		}
	}

	i.metrics.RecordWebhookEvent(source, evt.Type, res.Outcome)
	if res.Conflict {
		i.metrics.RecordConflict(req.Source)
		i.logger.Warn("equal timestamp resolved by tie-break",
			F("source", string(req.Source)),
			F("user_id", req.UserID),
			F("event_id", evt.ID))
	}
	i.logEvent(source, evt, res)

	if res.Outcome == OutcomeApplied {
		notifyChange(ctx, i.onChange, i.logger, i.metrics, res, "webhook", evt.ID, now)
		if evt.NeedsSync {
			i.scheduleSync(ctx, req.UserID, req.Source)
		}
	}

	return &IngestResult{
		Outcome:      res.Outcome,
		EventID:      evt.ID,
		EventType:    evt.Type,
		Subscription: res.Current,
		Reason:       reason,
	}, nil
}

func (i *Ingestor) recordFailure(ctx context.Context, source Source, evt *ProviderEvent, cause error) (*IngestResult, error) {
	key := EventKey{Source: source, ExternalEventID: evt.ID}
	stored, err := i.store.RecordWebhookFailure(ctx, key, cause.Error(), i.maxAttempts, i.clock.Now())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to apply webhook event: %w", cause),
			fmt.Errorf("failed to record webhook failure: %w", err))
	}
	if stored.Outcome == OutcomeFailed {
		i.metrics.RecordWebhookEvent(source, evt.Type, OutcomeFailed)
		i.logger.Error("webhook event failed permanently",
			F("source", string(source)),
			F("event_id", evt.ID),
			F("event_type", evt.Type),
			F("attempts", stored.Attempts),
			errField(cause))
		return &IngestResult{Outcome: OutcomeFailed, EventID: evt.ID, EventType: evt.Type, Reason: cause.Error()}, nil
	}
	i.logger.Warn("webhook event processing failed",
		F("source", string(source)),
		F("event_id", evt.ID),
		F("attempts", stored.Attempts),
		errField(cause))
	return nil, fmt.Errorf("failed to apply webhook event: %w", cause)
}

func (i *Ingestor) scheduleSync(ctx context.Context, userID string, source Source) {
	if i.queue == nil {
		return
	}
	task, err := NewReconcileTask(userID, source)
	if err == nil {
		err = i.queue.Enqueue(ctx, task)
	}
	if err != nil {
		i.logger.Warn("failed to schedule follow-up sync",
			F("user_id", userID),
			F("source", string(source)),
			errField(err))
	}
}

// scheduleCustomerSync reports whether the task was queued.
func (i *Ingestor) scheduleCustomerSync(ctx context.Context, customerID string, source Source) bool {
	if i.queue == nil {
		return false
	}
	task, err := NewCustomerReconcileTask(customerID, source)
	if err == nil {
		err = i.queue.Enqueue(ctx, task)
	}
	if err != nil {
		i.logger.Warn("failed to schedule customer sync",
			F("customer_id", customerID),
			F("source", string(source)),
			errField(err))
		return false
	}
	return true
}

func stateSource(evt *ProviderEvent, fallback Source) Source {
	if evt.State != nil && evt.State.Source != "" {
		return evt.State.Source
	}
	return fallback
}

func (i *Ingestor) logEvent(source Source, evt *ProviderEvent, res *ApplyResult) {
	fields := []Field{
		F("source", string(source)),
		F("event_id", evt.ID),
		F("event_type", evt.Type),
		F("outcome", string(res.Outcome)),
	}
	if res.Reason != "" {
		fields = append(fields, F("reason", res.Reason))
	}
	switch res.Outcome {
	case OutcomeRejected:
		i.logger.Warn("webhook event rejected", fields...)
	case OutcomeApplied:
		if res.Current != nil {
			fields = append(fields, F("user_id", res.Current.UserID), F("status", string(res.Current.Status)))
		}
		i.logger.Info("webhook event applied", fields...)
	default:
		i.logger.Debug("webhook event acknowledged", fields...)
	}
}
