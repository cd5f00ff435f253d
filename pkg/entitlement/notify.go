package entitlement

import (
	"context"
	"time"
)

// Change describes a committed subscription status change.
type Change struct {
	UserID     string    `json:"user_id"`
	Source     Source    `json:"source"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Premium    bool      `json:"premium"`
	Trigger    string    `json:"trigger"`
	EventID    string    `json:"event_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ChangeHandler is notified after a status change is committed. Errors are
// logged and never undo the change.
type ChangeHandler interface {
	OnChange(ctx context.Context, change Change) error
}

// ChangeHandlerFunc adapts a function to ChangeHandler.
type ChangeHandlerFunc func(ctx context.Context, change Change) error

func (f ChangeHandlerFunc) OnChange(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// notifyChange reports a committed apply result to h.
func notifyChange(ctx context.Context, h ChangeHandler, log Logger, metrics Metrics,
	res *ApplyResult, trigger, eventID string, now time.Time) {
	if !res.Changed() {
		return
	}
	from := StatusNone
	if res.Previous != nil {
		from = res.Previous.Status
	}
	metrics.RecordStatusChange(res.Current.Source, from, res.Current.Status)
	if h == nil {
		return
	}
	change := Change{
		UserID:     res.Current.UserID,
		Source:     res.Current.Source,
		From:       from,
		To:         res.Current.Status,
		Premium:    grantsAt(res.Current, now),
		Trigger:    trigger,
		EventID:    eventID,
		OccurredAt: now,
	}
	if err := h.OnChange(ctx, change); err != nil {
		log.Warn("change notification failed",
			F("user_id", change.UserID),
			F("source", string(change.Source)),
			errField(err))
	}
}
