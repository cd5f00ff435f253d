package entitlement

import (
	"context"
	"time"
)

// Store is the persistence layer for subscriptions, webhook events and
// discount codes. Implementations must make Apply a single atomic
// read-modify-write per (UserID, Source).
type Store interface {
	// Apply locks the (UserID, Source) key, loads the latest subscription
	// row, calls Decide and persists the decision. When Event is set the
	// event row is locked first; if it was already processed Apply returns
	// OutcomeDuplicate without calling Decide, otherwise the event outcome
	// is written in the same transaction.
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResult, error)

	// RecordWebhookEvent inserts the receipt unless (Source, ExternalEventID)
	// exists. It returns the stored row and whether it was created.
	RecordWebhookEvent(ctx context.Context, event *WebhookEvent) (*WebhookEvent, bool, error)

	// RecordWebhookFailure increments the attempt counter and stores the
	// error. At maxAttempts the event is finalized with OutcomeFailed and
	// ProcessedAt set to now.
	RecordWebhookFailure(ctx context.Context, key EventKey, cause string, maxAttempts int, now time.Time) (*WebhookEvent, error)

	GetWebhookEvent(ctx context.Context, key EventKey) (*WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, outcome Outcome, limit int) ([]*WebhookEvent, error)

	// GetSubscriptions returns every row of the user, expired ones included.
	GetSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)

	// GetSubscription returns the latest row for (userID, source).
	GetSubscription(ctx context.Context, userID string, source Source) (*Subscription, error)

	// ListSubscriptionsForSweep returns non-expired rows that need a pull.
	ListSubscriptionsForSweep(ctx context.Context, q SweepQuery) ([]*Subscription, error)

	CreateDiscountCode(ctx context.Context, code *DiscountCode) error
	GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error)
	ListDiscountCodes(ctx context.Context) ([]*DiscountCode, error)

	// UpdateDiscountCode applies fn to the locked row and persists the result.
	UpdateDiscountCode(ctx context.Context, code string, fn func(*DiscountCode) error) (*DiscountCode, error)
	DeleteDiscountCode(ctx context.Context, code string) error

	Ping(ctx context.Context) error
}

// ApplyRequest describes one atomic subscription mutation.
type ApplyRequest struct {
	UserID string
	Source Source

	// Event, when set, is finalized in the same transaction.
	Event *EventKey

	// Replay allows a failed event to be processed again.
	Replay bool

	// Decide computes the mutation from the current row (nil if none).
	// A nil Decide only finalizes Event with Outcome.
	Decide  func(current *Subscription) Decision
	Outcome Outcome

	Now time.Time
}

// Decision is the result of Decide.
type Decision struct {
	Outcome Outcome

	// Write is the row to persist. Nil means no subscription change.
	Write *Subscription

	// NewRow inserts Write as a new row instead of updating current.
	NewRow bool

	// Conflict marks a timestamp tie resolved by sequence or event id.
	Conflict bool
	Reason   string
}

// ApplyResult reports what Apply committed.
type ApplyResult struct {
	Outcome  Outcome
	Previous *Subscription
	Current  *Subscription
	Conflict bool
	Reason   string
}

// Changed reports whether the committed row has a different status.
func (r *ApplyResult) Changed() bool {
	if r == nil || r.Current == nil || r.Outcome != OutcomeApplied {
		return false
	}
	if r.Previous == nil {
		return true
	}
	return r.Previous.ID != r.Current.ID || r.Previous.Status != r.Current.Status
}

// SweepQuery selects rows for periodic reconciliation.
type SweepQuery struct {
	// SyncedBefore selects rows whose LastSyncedAt is older.
	SyncedBefore time.Time

	// PeriodEndedBefore selects past_due and canceled_pending rows whose
	// CurrentPeriodEnd already passed.
	PeriodEndedBefore time.Time

	Limit int
}
