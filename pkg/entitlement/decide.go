package entitlement

import (
	"fmt"
	"time"
)

// decide computes how an incoming provider state changes the current row.
// It is the single ordering guard shared by webhook ingestion and sync: a
// state older than LastSyncedAt is stale, and on an equal timestamp the
// higher sequence wins, then the greater event id.
func decide(current *Subscription, in *ProviderState, now time.Time) Decision {
	observedAt := in.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}

	conflict := false
	if current != nil && !current.LastSyncedAt.IsZero() {
		switch {
		case observedAt.Before(current.LastSyncedAt):
			return Decision{Outcome: OutcomeStale, Reason: "older than last synced state"}
		case observedAt.Equal(current.LastSyncedAt):
			if !winsTie(current, in) {
				return Decision{Outcome: OutcomeStale, Reason: "not newer than last synced state"}
			}
			conflict = true
		}
	}

	from := StatusNone
	if current != nil {
		from = current.Status
	}

	if current == nil || (from.Terminal() && in.Status != StatusExpired) {
		if in.Status == StatusNone {
			return Decision{Outcome: OutcomeIgnored, Reason: "no subscription state"}
		}
		row := &Subscription{
			UserID:    in.UserID,
			Source:    in.Source,
			CreatedAt: now,
		}
		applyState(row, in, observedAt, now)
		return Decision{Outcome: OutcomeApplied, Write: row, NewRow: true, Conflict: conflict}
	}

	if !CanTransition(from, in.Status) {
		return Decision{
			Outcome: OutcomeRejected,
			Reason:  fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, from, in.Status),
		}
	}

	row := current.Clone()
	applyState(row, in, observedAt, now)
	return Decision{Outcome: OutcomeApplied, Write: row, Conflict: conflict}
}

func winsTie(current *Subscription, in *ProviderState) bool {
	if in.Sequence != current.LastEventSequence {
		return in.Sequence > current.LastEventSequence
	}
	return in.EventID != "" && in.EventID > current.LastEventID
}

func applyState(row *Subscription, in *ProviderState, observedAt, now time.Time) {
	row.Status = in.Status
	if in.ExternalSubscriptionID != "" {
		row.ExternalSubscriptionID = in.ExternalSubscriptionID
	}
	if !in.CurrentPeriodEnd.IsZero() {
		row.CurrentPeriodEnd = in.CurrentPeriodEnd.UTC()
	}
	row.CancelAtPeriodEnd = in.CancelAtPeriodEnd || in.Status == StatusCanceledPending
	row.LastSyncedAt = observedAt.UTC()
	row.LastEventID = in.EventID
	row.LastEventSequence = in.Sequence
	if in.Raw != nil {
		row.RawProviderState = in.Raw
	}
	row.UpdatedAt = now
}

// decideMissing handles a provider reporting no subscription for the user.
// The local row is expired only once its paid period is over, so a lagging
// provider search index cannot revoke access early.
func decideMissing(current *Subscription, now time.Time) Decision {
	if current == nil || current.Status.Terminal() {
		return Decision{Outcome: OutcomeIgnored, Reason: "no local subscription"}
	}
	if current.CurrentPeriodEnd.IsZero() || now.Before(current.CurrentPeriodEnd) {
		return Decision{Outcome: OutcomeIgnored, Reason: "paid period not over"}
	}
	if now.Before(current.LastSyncedAt) {
		return Decision{Outcome: OutcomeStale, Reason: "older than last synced state"}
	}
	row := current.Clone()
	row.Status = StatusExpired
	row.LastSyncedAt = now
	row.LastEventID = ""
	row.LastEventSequence = 0
	row.UpdatedAt = now
	return Decision{Outcome: OutcomeApplied, Write: row, Reason: "provider has no subscription"}
}
