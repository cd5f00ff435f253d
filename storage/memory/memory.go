// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Store using in-memory maps. Apply holds a
// lock per (user, source) key, and per event key when an event is given,
// so unrelated users never contend.
type Storage struct {
	mu        sync.RWMutex
	subs      map[string]*entitlement.Subscription // by ID
	byKey     map[string][]string                  // user/source -> IDs in creation order
	byUser    map[string][]string                  // user -> IDs
	events    map[entitlement.EventKey]*entitlement.WebhookEvent
	discounts map[string]*entitlement.DiscountCode

	locks *keyedMutex
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subs:      make(map[string]*entitlement.Subscription),
		byKey:     make(map[string][]string),
		byUser:    make(map[string][]string),
		events:    make(map[entitlement.EventKey]*entitlement.WebhookEvent),
		discounts: make(map[string]*entitlement.DiscountCode),
		locks:     newKeyedMutex(),
	}
}

func subKey(userID string, source entitlement.Source) string {
	return userID + "\x00" + string(source)
}

// Apply implements entitlement.Store
func (s *Storage) Apply(ctx context.Context, req *entitlement.ApplyRequest) (*entitlement.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if req.Event != nil {
		unlock := s.locks.Lock("event:" + req.Event.String())
		defer unlock()

		s.mu.RLock()
		ev, ok := s.events[*req.Event]
		processed := ok && ev.Processed()
		failed := ok && ev.Outcome == entitlement.OutcomeFailed
		s.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, req.Event)
		}
		if processed && !(req.Replay && failed) {
			return &entitlement.ApplyResult{Outcome: entitlement.OutcomeDuplicate}, nil
		}
	}

	if req.Decide == nil {
		s.finishEvent(req.Event, req.Outcome, req.UserID, now)
		return &entitlement.ApplyResult{Outcome: req.Outcome}, nil
	}
	if req.UserID == "" || !req.Source.Valid() {
		return nil, fmt.Errorf("invalid apply request: user %q source %q", req.UserID, req.Source)
	}

	key := subKey(req.UserID, req.Source)
	unlock := s.locks.Lock("sub:" + key)
	defer unlock()

	s.mu.RLock()
	current := s.latestLocked(key)
	s.mu.RUnlock()

	decision := req.Decide(current.Clone())

	result := &entitlement.ApplyResult{
		Outcome:  decision.Outcome,
		Previous: current,
		Current:  current.Clone(),
		Conflict: decision.Conflict,
		Reason:   decision.Reason,
	}

	if decision.Write != nil {
		row := decision.Write.Clone()
		row.UserID = req.UserID
		row.Source = req.Source
		row.UpdatedAt = now

		s.mu.Lock()
		if decision.NewRow || current == nil {
			if current != nil && !current.Status.Terminal() {
				s.mu.Unlock()
				return nil, fmt.Errorf("a non-expired subscription already exists for %s/%s", req.UserID, req.Source)
			}
			row.ID = uuid.NewString()
			if row.CreatedAt.IsZero() {
				row.CreatedAt = now
			}
			s.subs[row.ID] = row
			s.byKey[key] = append(s.byKey[key], row.ID)
			s.byUser[req.UserID] = append(s.byUser[req.UserID], row.ID)
		} else {
			row.ID = current.ID
			row.CreatedAt = current.CreatedAt
			s.subs[row.ID] = row
		}
		s.mu.Unlock()
		result.Current = row.Clone()
	}

	s.finishEvent(req.Event, decision.Outcome, req.UserID, now)
	return result, nil
}

// finishEvent stores the final outcome of an event. Callers hold its lock.
func (s *Storage) finishEvent(key *entitlement.EventKey, outcome entitlement.Outcome, userID string, now time.Time) {
	if key == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[*key]
	if !ok {
		return
	}
	t := now
	ev.ProcessedAt = &t
	ev.Outcome = outcome
	if userID != "" {
		ev.UserID = userID
	}
}

func (s *Storage) latestLocked(key string) *entitlement.Subscription {
	ids := s.byKey[key]
	if len(ids) == 0 {
		return nil
	}
	return s.subs[ids[len(ids)-1]].Clone()
}

// RecordWebhookEvent implements entitlement.Store
func (s *Storage) RecordWebhookEvent(
	ctx context.Context, event *entitlement.WebhookEvent,
) (*entitlement.WebhookEvent, bool, error) {
	if event == nil || event.ExternalEventID == "" {
		return nil, false, fmt.Errorf("invalid webhook event")
	}
	key := entitlement.EventKey{Source: event.Source, ExternalEventID: event.ExternalEventID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.events[key]; ok {
		return existing.Clone(), false, nil
	}
	stored := event.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Outcome == "" {
		stored.Outcome = entitlement.OutcomePending
	}
	s.events[key] = stored
	return stored.Clone(), true, nil
}

// RecordWebhookFailure implements entitlement.Store
func (s *Storage) RecordWebhookFailure(
	ctx context.Context, key entitlement.EventKey, cause string, maxAttempts int, now time.Time,
) (*entitlement.WebhookEvent, error) {
	unlock := s.locks.Lock("event:" + key.String())
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[key]
	if !ok {
		return nil, fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, key)
	}
	ev.Attempts++
	ev.LastError = cause
	if maxAttempts > 0 && ev.Attempts >= maxAttempts {
		at := now.UTC()
		ev.ProcessedAt = &at
		ev.Outcome = entitlement.OutcomeFailed
	}
	return ev.Clone(), nil
}

// GetWebhookEvent implements entitlement.Store
func (s *Storage) GetWebhookEvent(ctx context.Context, key entitlement.EventKey) (*entitlement.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[key]
	if !ok {
		return nil, fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, key)
	}
	return ev.Clone(), nil
}

// ListWebhookEvents implements entitlement.Store
func (s *Storage) ListWebhookEvents(
	ctx context.Context, outcome entitlement.Outcome, limit int,
) ([]*entitlement.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entitlement.WebhookEvent, 0)
	for _, ev := range s.events {
		if outcome == "" || ev.Outcome == outcome {
			out = append(out, ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSubscriptions implements entitlement.Store
func (s *Storage) GetSubscriptions(ctx context.Context, userID string) ([]*entitlement.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	out := make([]*entitlement.Subscription, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.subs[id].Clone())
	}
	return out, nil
}

// GetSubscription implements entitlement.Store
func (s *Storage) GetSubscription(
	ctx context.Context, userID string, source entitlement.Source,
) (*entitlement.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub := s.latestLocked(subKey(userID, source))
	if sub == nil {
		return nil, fmt.Errorf("%w: subscription %s/%s", entitlement.ErrNotFound, userID, source)
	}
	return sub, nil
}

// ListSubscriptionsForSweep implements entitlement.Store
func (s *Storage) ListSubscriptionsForSweep(
	ctx context.Context, q entitlement.SweepQuery,
) ([]*entitlement.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entitlement.Subscription, 0)
	for _, sub := range s.subs {
		if sub.Status.Terminal() {
			continue
		}
		stale := sub.LastSyncedAt.Before(q.SyncedBefore)
		graceOver := (sub.Status == entitlement.StatusPastDue || sub.Status == entitlement.StatusCanceledPending) &&
			!sub.CurrentPeriodEnd.IsZero() && sub.CurrentPeriodEnd.Before(q.PeriodEndedBefore)
		if stale || graceOver {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSyncedAt.Before(out[j].LastSyncedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// CreateDiscountCode implements entitlement.Store
func (s *Storage) CreateDiscountCode(ctx context.Context, code *entitlement.DiscountCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.discounts[code.Code]; ok {
		return fmt.Errorf("%w: %s", entitlement.ErrDiscountCodeExists, code.Code)
	}
	s.discounts[code.Code] = code.Clone()
	return nil
}

// GetDiscountCode implements entitlement.Store
func (s *Storage) GetDiscountCode(ctx context.Context, code string) (*entitlement.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.discounts[code]
	if !ok {
		return nil, fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
	}
	return d.Clone(), nil
}

// ListDiscountCodes implements entitlement.Store
func (s *Storage) ListDiscountCodes(ctx context.Context) ([]*entitlement.DiscountCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entitlement.DiscountCode, 0, len(s.discounts))
	for _, d := range s.discounts {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// UpdateDiscountCode implements entitlement.Store
func (s *Storage) UpdateDiscountCode(
	ctx context.Context, code string, fn func(*entitlement.DiscountCode) error,
) (*entitlement.DiscountCode, error) {
	unlock := s.locks.Lock("discount:" + code)
	defer unlock()

	s.mu.RLock()
	d, ok := s.discounts[code]
	var working *entitlement.DiscountCode
	if ok {
		working = d.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
	}

	if err := fn(working); err != nil {
		return nil, err
	}
	working.Code = code

	s.mu.Lock()
	s.discounts[code] = working.Clone()
	s.mu.Unlock()
	return working, nil
}

// DeleteDiscountCode implements entitlement.Store
func (s *Storage) DeleteDiscountCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.discounts[code]; !ok {
		return fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
	}
	delete(s.discounts, code)
	return nil
}

// Ping implements entitlement.Store
func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]*entitlement.Subscription)
	s.byKey = make(map[string][]string)
	s.byUser = make(map[string][]string)
	s.events = make(map[entitlement.EventKey]*entitlement.WebhookEvent)
	s.discounts = make(map[string]*entitlement.DiscountCode)
}
