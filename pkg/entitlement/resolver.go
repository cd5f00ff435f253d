package entitlement

import (
	"context"
	"fmt"
	"time"
)

// IsPremiumAt reports whether any of subs grants premium at now. A
// subscription counts when it is active or trialing, or canceled_pending
// with its paid period not yet over.
func IsPremiumAt(subs []*Subscription, now time.Time) bool {
	for _, s := range subs {
		if grantsAt(s, now) {
			return true
		}
	}
	return false
}

func grantsAt(s *Subscription, now time.Time) bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusActive, StatusTrialing:
		return true
	case StatusCanceledPending:
		return now.Before(s.CurrentPeriodEnd)
	}
	return false
}

// SourceSummary is the per-source view returned to clients.
type SourceSummary struct {
	Source            Source     `json:"source"`
	Status            Status     `json:"status"`
	Premium           bool       `json:"premium"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
}

// Summary is the derived entitlement of one user.
type Summary struct {
	UserID  string          `json:"user_id"`
	Premium bool            `json:"premium"`
	Sources []SourceSummary `json:"sources"`
}

// PremiumChecker answers whether a user has premium access. Resolver is
// the standard implementation; middleware depends on this interface.
type PremiumChecker interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

// Resolver answers IsPremium from stored subscriptions only.
type Resolver struct {
	store   Store
	clock   Clock
	metrics Metrics
}

// NewResolver creates a resolver over store.
func NewResolver(store Store, clock Clock, metrics Metrics) *Resolver {
	return &Resolver{
		store:   store,
		clock:   orSystemClock(clock),
		metrics: orNoopMetrics(metrics),
	}
}

// IsPremium reports whether the user currently has premium access.
func (r *Resolver) IsPremium(ctx context.Context, userID string) (bool, error) {
	subs, err := r.store.GetSubscriptions(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	premium := IsPremiumAt(subs, r.clock.Now())
	r.metrics.RecordPremiumCheck(premium)
	return premium, nil
}

// Summary returns the premium flag and the latest row per source.
func (r *Resolver) Summary(ctx context.Context, userID string) (*Summary, error) {
	subs, err := r.store.GetSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	return Summarize(userID, subs, r.clock.Now()), nil
}

// Summarize builds a Summary from rows, keeping the latest row per source.
func Summarize(userID string, subs []*Subscription, now time.Time) *Summary {
	latest := make(map[Source]*Subscription, len(Sources))
	for _, s := range subs {
		cur, ok := latest[s.Source]
		if !ok || newerRow(s, cur) {
			latest[s.Source] = s
		}
	}

	sum := &Summary{UserID: userID, Sources: []SourceSummary{}}
	for _, src := range Sources {
		s, ok := latest[src]
		if !ok {
			continue
		}
		ss := SourceSummary{
			Source:            src,
			Status:            s.Status,
			Premium:           grantsAt(s, now),
			CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		}
		if !s.CurrentPeriodEnd.IsZero() {
			t := s.CurrentPeriodEnd
			ss.CurrentPeriodEnd = &t
		}
		if !s.LastSyncedAt.IsZero() {
			t := s.LastSyncedAt
			ss.LastSyncedAt = &t
		}
		sum.Sources = append(sum.Sources, ss)
	}
	sum.Premium = IsPremiumAt(subs, now)
	return sum
}

// newerRow orders rows of one source: a non-expired row supersedes expired
// ones, then the later created row wins.
func newerRow(a, b *Subscription) bool {
	if a.Status.Terminal() != b.Status.Terminal() {
		return !a.Status.Terminal()
	}
	return a.CreatedAt.After(b.CreatedAt)
}

var _ PremiumChecker = (*Resolver)(nil)
