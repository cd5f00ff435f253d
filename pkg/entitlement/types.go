package entitlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source identifies the payment channel a subscription was bought through.
type Source string

const (
	SourceWeb       Source = "web"
	SourceAppStore  Source = "app_store"
	SourcePlayStore Source = "play_store"
)

// Sources lists every supported payment source.
var Sources = []Source{SourceWeb, SourceAppStore, SourcePlayStore}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceWeb, SourceAppStore, SourcePlayStore:
		return true
	}
	return false
}

// ParseSource converts a path or config value into a Source.
func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown source %q", ErrConfiguration, raw)
	}
	return s, nil
}

// Status is the lifecycle state of a single Subscription row.
type Status string

const (
	StatusNone            Status = "none"
	StatusTrialing        Status = "trialing"
	StatusActive          Status = "active"
	StatusPastDue         Status = "past_due"
	StatusCanceledPending Status = "canceled_pending"
	StatusExpired         Status = "expired"
)

// Terminal reports whether a row in this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusExpired
}

// Subscription is the locally persisted record of one provider subscription.
type Subscription struct {
	ID                     string
	UserID                 string
	Source                 Source
	ExternalSubscriptionID string
	Status                 Status
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool

	// LastSyncedAt is the provider-side timestamp of the applied state.
	// It only moves forward.
	LastSyncedAt time.Time

	// LastEventID and LastEventSequence identify the state that was applied,
	// used to break timestamp ties.
	LastEventID       string
	LastEventSequence int64

	RawProviderState json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.RawProviderState != nil {
		c.RawProviderState = append(json.RawMessage(nil), s.RawProviderState...)
	}
	return &c
}

// Outcome is the recorded result of processing a webhook event or a sync.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// WebhookEvent is the idempotency record of one provider notification.
// (Source, ExternalEventID) is unique.
type WebhookEvent struct {
	ID              string
	Source          Source
	ExternalEventID string
	EventType       string
	UserID          string
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	Outcome         Outcome
	Attempts        int
	LastError       string
	Payload         []byte
}

// Processed reports whether the event reached a final outcome.
func (e *WebhookEvent) Processed() bool {
	return e != nil && e.ProcessedAt != nil
}

// Clone returns a deep copy of the event.
func (e *WebhookEvent) Clone() *WebhookEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// EventKey is the natural key of a WebhookEvent.
type EventKey struct {
	Source          Source
	ExternalEventID string
}

func (k EventKey) String() string {
	return string(k.Source) + ":" + k.ExternalEventID
}

// ProviderState is a provider's view of a user's subscription on one source,
// either pulled from its API or carried by a webhook.
type ProviderState struct {
	UserID                 string
	Source                 Source
	ExternalSubscriptionID string
	Status                 Status
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool

	// ObservedAt is when the provider produced this state: the event
	// timestamp for webhooks, the fetch time for pulls.
	ObservedAt time.Time

	// Sequence is an optional provider ordering hint for equal timestamps.
	Sequence int64
	EventID  string

	Raw json.RawMessage
}

// ProviderEvent is a verified and decoded webhook notification.
type ProviderEvent struct {
	ID         string
	Type       string
	Source     Source
	OccurredAt time.Time
	Sequence   int64

	// State is nil when the event type carries no entitlement meaning.
	State *ProviderState

	// NeedsSync marks events whose State is partial; a reconcile task is
	// scheduled after they are applied.
	NeedsSync bool

	// CustomerID is set when State has no user. The event is rejected and
	// the user is resolved later from the provider customer.
	CustomerID string
}
