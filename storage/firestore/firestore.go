// Package firestore provides a Firestore implementation of the entitlement.Store interface.
package firestore

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Storage implements entitlement.Store using Google Cloud Firestore.
//
// Every subscription row is its own document. A head document per
// (user, source) points at the latest row; Apply reads and writes it in
// the same transaction as the row and the event, so concurrent writers
// for one key are serialized by Firestore's optimistic concurrency.
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	headsCollection         string
	eventsCollection        string
	discountsCollection     string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds one document per subscription row.
	// Default: "entitlement_subscriptions"
	SubscriptionsCollection string

	// HeadsCollection holds the latest-row pointer per (user, source).
	// Default: "entitlement_subscription_heads"
	HeadsCollection string

	// EventsCollection holds webhook receipts.
	// Default: "entitlement_webhook_events"
	EventsCollection string

	// DiscountsCollection holds discount codes keyed by code.
	// Default: "entitlement_discount_codes"
	DiscountsCollection string
}

// openStatuses are the statuses a sweep can pick up.
var openStatuses = []string{
	string(entitlement.StatusNone),
	string(entitlement.StatusTrialing),
	string(entitlement.StatusActive),
	string(entitlement.StatusPastDue),
	string(entitlement.StatusCanceledPending),
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "entitlement_subscriptions"
	}
	if config.HeadsCollection == "" {
		config.HeadsCollection = "entitlement_subscription_heads"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "entitlement_webhook_events"
	}
	if config.DiscountsCollection == "" {
		config.DiscountsCollection = "entitlement_discount_codes"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		headsCollection:         config.HeadsCollection,
		eventsCollection:        config.EventsCollection,
		discountsCollection:     config.DiscountsCollection,
	}, nil
}

// Document ids may not contain '/', so user and event ids are escaped.
func (s *Storage) headDoc(userID string, source entitlement.Source) *firestore.DocumentRef {
	return s.client.Collection(s.headsCollection).Doc(string(source) + "_" + url.PathEscape(userID))
}

func (s *Storage) eventDoc(key entitlement.EventKey) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(string(key.Source) + "_" + url.PathEscape(key.ExternalEventID))
}

func (s *Storage) subscriptionDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(id)
}

// Apply implements entitlement.Store. Firestore may run the transaction
// function more than once, so Decide must not have side effects.
func (s *Storage) Apply(ctx context.Context, req *entitlement.ApplyRequest) (*entitlement.ApplyResult, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if req.Decide != nil && (req.UserID == "" || !req.Source.Valid()) {
		return nil, fmt.Errorf("invalid apply request: user %q source %q", req.UserID, req.Source)
	}

	var result *entitlement.ApplyResult
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		result = nil

		var eventRef *firestore.DocumentRef
		if req.Event != nil {
			eventRef = s.eventDoc(*req.Event)
			snap, err := tx.Get(eventRef)
			if err != nil && status.Code(err) != codes.NotFound {
				return fmt.Errorf("failed to get webhook event: %w", err)
			}
			if snap == nil || !snap.Exists() {
				return fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, req.Event)
			}
			ev := eventFromData(snap.Data())
			if ev.Processed() && !(req.Replay && ev.Outcome == entitlement.OutcomeFailed) {
				result = &entitlement.ApplyResult{Outcome: entitlement.OutcomeDuplicate}
				return nil
			}
		}

		if req.Decide == nil {
			result = &entitlement.ApplyResult{Outcome: req.Outcome}
			return finishEvent(tx, eventRef, req.Outcome, req.UserID, now)
		}

		headRef := s.headDoc(req.UserID, req.Source)
		current, err := s.latestTx(tx, headRef)
		if err != nil {
			return err
		}

		decision := req.Decide(current.Clone())
		result = &entitlement.ApplyResult{
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

			if decision.NewRow || current == nil {
				if current != nil && !current.Status.Terminal() {
					return fmt.Errorf("a non-expired subscription already exists for %s/%s", req.UserID, req.Source)
				}
				row.ID = uuid.NewString()
				if row.CreatedAt.IsZero() {
					row.CreatedAt = now
				}
				if err := tx.Create(s.subscriptionDoc(row.ID), subscriptionData(row)); err != nil {
					return fmt.Errorf("failed to create subscription: %w", err)
				}
				if err := tx.Set(headRef, map[string]interface{}{
					"subscriptionId": row.ID,
					"userId":         row.UserID,
					"source":         string(row.Source),
					"updatedAt":      now,
				}); err != nil {
					return fmt.Errorf("failed to set subscription head: %w", err)
				}
			} else {
				row.ID = current.ID
				row.CreatedAt = current.CreatedAt
				if err := tx.Set(s.subscriptionDoc(row.ID), subscriptionData(row)); err != nil {
					return fmt.Errorf("failed to update subscription: %w", err)
				}
			}
			result.Current = row.Clone()
		}

		return finishEvent(tx, eventRef, decision.Outcome, req.UserID, now)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func finishEvent(
	tx *firestore.Transaction, ref *firestore.DocumentRef,
	outcome entitlement.Outcome, userID string, now time.Time,
) error {
	if ref == nil {
		return nil
	}
	data := map[string]interface{}{
		"processedAt": now,
		"outcome":     string(outcome),
	}
	if userID != "" {
		data["userId"] = userID
	}
	if err := tx.Set(ref, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to finish webhook event: %w", err)
	}
	return nil
}

func (s *Storage) latestTx(tx *firestore.Transaction, headRef *firestore.DocumentRef) (*entitlement.Subscription, error) {
	head, err := tx.Get(headRef)
	if err != nil && status.Code(err) != codes.NotFound {
		return nil, fmt.Errorf("failed to get subscription head: %w", err)
	}
	if head == nil || !head.Exists() {
		return nil, nil
	}
	id := getString(head.Data(), "subscriptionId")
	snap, err := tx.Get(s.subscriptionDoc(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return subscriptionFromData(snap.Data()), nil
}

// RecordWebhookEvent implements entitlement.Store
func (s *Storage) RecordWebhookEvent(
	ctx context.Context, event *entitlement.WebhookEvent,
) (*entitlement.WebhookEvent, bool, error) {
	if event == nil || event.ExternalEventID == "" {
		return nil, false, fmt.Errorf("invalid webhook event")
	}
	ref := s.eventDoc(entitlement.EventKey{Source: event.Source, ExternalEventID: event.ExternalEventID})

	stored := event.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Outcome == "" {
		stored.Outcome = entitlement.OutcomePending
	}

	_, err := ref.Create(ctx, eventData(stored))
	if err == nil {
		return stored, true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return nil, false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	snap, err := ref.Get(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return eventFromData(snap.Data()), false, nil
}

// RecordWebhookFailure implements entitlement.Store
func (s *Storage) RecordWebhookFailure(
	ctx context.Context, key entitlement.EventKey, cause string, maxAttempts int, now time.Time,
) (*entitlement.WebhookEvent, error) {
	ref := s.eventDoc(key)
	var ev *entitlement.WebhookEvent
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, key)
			}
			return fmt.Errorf("failed to get webhook event: %w", err)
		}
		ev = eventFromData(snap.Data())
		ev.Attempts++
		ev.LastError = cause
		if maxAttempts > 0 && ev.Attempts >= maxAttempts {
			at := now.UTC()
			ev.ProcessedAt = &at
			ev.Outcome = entitlement.OutcomeFailed
		}
		return tx.Set(ref, eventData(ev))
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// GetWebhookEvent implements entitlement.Store
func (s *Storage) GetWebhookEvent(ctx context.Context, key entitlement.EventKey) (*entitlement.WebhookEvent, error) {
	snap, err := s.eventDoc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return eventFromData(snap.Data()), nil
}

// ListWebhookEvents implements entitlement.Store
func (s *Storage) ListWebhookEvents(
	ctx context.Context, outcome entitlement.Outcome, limit int,
) ([]*entitlement.WebhookEvent, error) {
	query := s.client.Collection(s.eventsCollection).Query
	if outcome != "" {
		query = query.Where("outcome", "==", string(outcome))
	}
	query = query.OrderBy("receivedAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	out := make([]*entitlement.WebhookEvent, 0, len(docs))
	for _, doc := range docs {
		out = append(out, eventFromData(doc.Data()))
	}
	return out, nil
}

// GetSubscriptions implements entitlement.Store
func (s *Storage) GetSubscriptions(ctx context.Context, userID string) ([]*entitlement.Subscription, error) {
	docs, err := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := make([]*entitlement.Subscription, 0, len(docs))
	for _, doc := range docs {
		out = append(out, subscriptionFromData(doc.Data()))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetSubscription implements entitlement.Store
func (s *Storage) GetSubscription(
	ctx context.Context, userID string, source entitlement.Source,
) (*entitlement.Subscription, error) {
	head, err := s.headDoc(userID, source).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: subscription %s/%s", entitlement.ErrNotFound, userID, source)
		}
		return nil, fmt.Errorf("failed to get subscription head: %w", err)
	}
	snap, err := s.subscriptionDoc(getString(head.Data(), "subscriptionId")).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromData(snap.Data()), nil
}

// ListSubscriptionsForSweep implements entitlement.Store. The two halves
// of the selection run as separate queries and are merged here; each
// needs a composite index on (status, field).
func (s *Storage) ListSubscriptionsForSweep(
	ctx context.Context, q entitlement.SweepQuery,
) ([]*entitlement.Subscription, error) {
	coll := s.client.Collection(s.subscriptionsCollection)
	stale := coll.Where("status", "in", openStatuses).
		Where("lastSyncedAt", "<", q.SyncedBefore).
		OrderBy("lastSyncedAt", firestore.Asc)
	grace := coll.Where("status", "in", []string{
		string(entitlement.StatusPastDue), string(entitlement.StatusCanceledPending),
	}).Where("currentPeriodEnd", "<", q.PeriodEndedBefore)
	if q.Limit > 0 {
		stale = stale.Limit(q.Limit)
		grace = grace.Limit(q.Limit)
	}

	seen := make(map[string]bool)
	out := make([]*entitlement.Subscription, 0)
	for _, query := range []firestore.Query{stale, grace} {
		docs, err := query.Documents(ctx).GetAll()
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions for sweep: %w", err)
		}
		for _, doc := range docs {
			sub := subscriptionFromData(doc.Data())
			if seen[sub.ID] || sub.Status.Terminal() {
				continue
			}
			seen[sub.ID] = true
			out = append(out, sub)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LastSyncedAt.Before(out[j].LastSyncedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Ping implements entitlement.Store
func (s *Storage) Ping(ctx context.Context) error {
	if _, err := s.client.Collection(s.headsCollection).Limit(1).Documents(ctx).GetAll(); err != nil {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

func subscriptionData(sub *entitlement.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"id":                     sub.ID,
		"userId":                 sub.UserID,
		"source":                 string(sub.Source),
		"externalSubscriptionId": sub.ExternalSubscriptionID,
		"status":                 string(sub.Status),
		"currentPeriodEnd":       timeOrNil(sub.CurrentPeriodEnd),
		"cancelAtPeriodEnd":      sub.CancelAtPeriodEnd,
		"lastSyncedAt":           sub.LastSyncedAt,
		"lastEventId":            sub.LastEventID,
		"lastEventSequence":      sub.LastEventSequence,
		"rawProviderState":       []byte(sub.RawProviderState),
		"createdAt":              sub.CreatedAt,
		"updatedAt":              sub.UpdatedAt,
	}
}

func subscriptionFromData(data map[string]interface{}) *entitlement.Subscription {
	sub := &entitlement.Subscription{
		ID:                     getString(data, "id"),
		UserID:                 getString(data, "userId"),
		Source:                 entitlement.Source(getString(data, "source")),
		ExternalSubscriptionID: getString(data, "externalSubscriptionId"),
		Status:                 entitlement.Status(getString(data, "status")),
		CurrentPeriodEnd:       getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:      getBool(data, "cancelAtPeriodEnd"),
		LastSyncedAt:           getTime(data, "lastSyncedAt"),
		LastEventID:            getString(data, "lastEventId"),
		LastEventSequence:      getInt64(data, "lastEventSequence"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	if raw, ok := data["rawProviderState"].([]byte); ok && len(raw) > 0 {
		sub.RawProviderState = append([]byte(nil), raw...)
	}
	return sub
}

func eventData(ev *entitlement.WebhookEvent) map[string]interface{} {
	data := map[string]interface{}{
		"id":              ev.ID,
		"source":          string(ev.Source),
		"externalEventId": ev.ExternalEventID,
		"eventType":       ev.EventType,
		"userId":          ev.UserID,
		"receivedAt":      ev.ReceivedAt,
		"processedAt":     nil,
		"outcome":         string(ev.Outcome),
		"attempts":        ev.Attempts,
		"lastError":       ev.LastError,
		"payload":         ev.Payload,
	}
	if ev.ProcessedAt != nil {
		data["processedAt"] = *ev.ProcessedAt
	}
	return data
}

func eventFromData(data map[string]interface{}) *entitlement.WebhookEvent {
	ev := &entitlement.WebhookEvent{
		ID:              getString(data, "id"),
		Source:          entitlement.Source(getString(data, "source")),
		ExternalEventID: getString(data, "externalEventId"),
		EventType:       getString(data, "eventType"),
		UserID:          getString(data, "userId"),
		ReceivedAt:      getTime(data, "receivedAt"),
		ProcessedAt:     getTimePtr(data, "processedAt"),
		Outcome:         entitlement.Outcome(getString(data, "outcome")),
		Attempts:        getInt(data, "attempts"),
		LastError:       getString(data, "lastError"),
	}
	if payload, ok := data["payload"].([]byte); ok {
		ev.Payload = append([]byte(nil), payload...)
	}
	return ev
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	return int(getInt64(data, key))
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok {
		return nil
	}
	v = v.UTC()
	return &v
}

// Zero times are stored as null so range filters skip them.
func timeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
