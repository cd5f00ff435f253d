// Package postgres provides a PostgreSQL implementation of the entitlement.Store interface.
// Apply runs in one transaction: the webhook event row is locked with SELECT FOR UPDATE,
// the (user, source) key is serialized with a transaction-scoped advisory lock, and the
// subscription write and event outcome commit together.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const uniqueViolation = "23505"

// Storage implements entitlement.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	owned  bool
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Logger receives migration progress
	Logger entitlement.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config, owned: true}, nil
}

// NewWithPool wraps an existing pool. Close does not close it.
func NewWithPool(pool *pgxpool.Pool, config Config) (*Storage, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.owned && s.pool != nil {
		s.pool.Close()
	}
}

// Pool returns the underlying connection pool.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

const subscriptionColumns = `id::text, user_id, source, external_subscription_id, status,
	current_period_end, cancel_at_period_end, last_synced_at, last_event_id,
	last_event_sequence, raw_provider_state, created_at, updated_at`

func scanSubscription(row pgx.Row) (*entitlement.Subscription, error) {
	var sub entitlement.Subscription
	var periodEnd *time.Time
	var raw []byte
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.Source, &sub.ExternalSubscriptionID, &sub.Status,
		&periodEnd, &sub.CancelAtPeriodEnd, &sub.LastSyncedAt, &sub.LastEventID,
		&sub.LastEventSequence, &raw, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd.UTC()
	}
	if len(raw) > 0 {
		sub.RawProviderState = raw
	}
	sub.LastSyncedAt = sub.LastSyncedAt.UTC()
	return &sub, nil
}

// latestSubscription loads the live row for the key, or the newest expired one.
func latestSubscription(
	ctx context.Context, q pgx.Tx, userID string, source entitlement.Source,
) (*entitlement.Subscription, error) {
	sub, err := scanSubscription(q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND source = $2
			ORDER BY (status = 'expired'), created_at DESC
			LIMIT 1
			FOR UPDATE`,
		userID, string(source)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// Apply implements entitlement.Store
func (s *Storage) Apply(ctx context.Context, req *entitlement.ApplyRequest) (*entitlement.ApplyResult, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if req.Event != nil {
		var processedAt *time.Time
		var outcome string
		err = tx.QueryRow(ctx,
			`SELECT processed_at, outcome FROM webhook_events
				WHERE source = $1 AND external_event_id = $2
				FOR UPDATE`,
			string(req.Event.Source), req.Event.ExternalEventID).Scan(&processedAt, &outcome)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, req.Event)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock webhook event: %w", err)
		}
		failed := entitlement.Outcome(outcome) == entitlement.OutcomeFailed
		if processedAt != nil && !(req.Replay && failed) {
			return &entitlement.ApplyResult{Outcome: entitlement.OutcomeDuplicate}, nil
		}
	}

	if req.Decide == nil {
		if err := finishEvent(ctx, tx, req.Event, req.Outcome, req.UserID, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &entitlement.ApplyResult{Outcome: req.Outcome}, nil
	}
	if req.UserID == "" || !req.Source.Valid() {
		return nil, fmt.Errorf("invalid apply request: user %q source %q", req.UserID, req.Source)
	}

	// Serializes writers of the key even when no row exists yet.
	lockKey := fmt.Sprintf("subscription:%s:%s", req.Source, req.UserID)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return nil, fmt.Errorf("failed to acquire subscription lock: %w", err)
	}

	current, err := latestSubscription(ctx, tx, req.UserID, req.Source)
	if err != nil {
		return nil, err
	}

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

		if decision.NewRow || current == nil {
			if current != nil && !current.Status.Terminal() {
				return nil, fmt.Errorf("a non-expired subscription already exists for %s/%s", req.UserID, req.Source)
			}
			row.ID = uuid.NewString()
			if row.CreatedAt.IsZero() {
				row.CreatedAt = now
			}
			err = insertSubscription(ctx, tx, row)
		} else {
			row.ID = current.ID
			row.CreatedAt = current.CreatedAt
			err = updateSubscription(ctx, tx, row)
		}
		if err != nil {
			return nil, err
		}
		result.Current = row.Clone()
	}

	if err := finishEvent(ctx, tx, req.Event, decision.Outcome, req.UserID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

func insertSubscription(ctx context.Context, tx pgx.Tx, row *entitlement.Subscription) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, source, external_subscription_id, status,
			current_period_end, cancel_at_period_end, last_synced_at, last_event_id,
			last_event_sequence, raw_provider_state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		row.ID, row.UserID, string(row.Source), row.ExternalSubscriptionID, string(row.Status),
		nullableTime(row.CurrentPeriodEnd), row.CancelAtPeriodEnd, row.LastSyncedAt, row.LastEventID,
		row.LastEventSequence, nullableJSON(row.RawProviderState), row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func updateSubscription(ctx context.Context, tx pgx.Tx, row *entitlement.Subscription) error {
	_, err := tx.Exec(ctx,
		`UPDATE subscriptions SET
			external_subscription_id = $2,
			status = $3,
			current_period_end = $4,
			cancel_at_period_end = $5,
			last_synced_at = $6,
			last_event_id = $7,
			last_event_sequence = $8,
			raw_provider_state = $9,
			updated_at = $10
			WHERE id = $1`,
		row.ID, row.ExternalSubscriptionID, string(row.Status),
		nullableTime(row.CurrentPeriodEnd), row.CancelAtPeriodEnd, row.LastSyncedAt,
		row.LastEventID, row.LastEventSequence, nullableJSON(row.RawProviderState), row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

func finishEvent(
	ctx context.Context, tx pgx.Tx, key *entitlement.EventKey,
	outcome entitlement.Outcome, userID string, now time.Time,
) error {
	if key == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE webhook_events SET
			processed_at = $3,
			outcome = $4,
			user_id = COALESCE(NULLIF($5::text, ''), user_id)
			WHERE source = $1 AND external_event_id = $2`,
		string(key.Source), key.ExternalEventID, now, string(outcome), userID)
	if err != nil {
		return fmt.Errorf("failed to finalize webhook event: %w", err)
	}
	return nil
}

const eventColumns = `id::text, source, external_event_id, event_type, user_id, received_at,
	processed_at, outcome, attempts, last_error, payload`

func scanEvent(row pgx.Row) (*entitlement.WebhookEvent, error) {
	var ev entitlement.WebhookEvent
	err := row.Scan(
		&ev.ID, &ev.Source, &ev.ExternalEventID, &ev.EventType, &ev.UserID, &ev.ReceivedAt,
		&ev.ProcessedAt, &ev.Outcome, &ev.Attempts, &ev.LastError, &ev.Payload,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// RecordWebhookEvent implements entitlement.Store
func (s *Storage) RecordWebhookEvent(
	ctx context.Context, event *entitlement.WebhookEvent,
) (*entitlement.WebhookEvent, bool, error) {
	if event == nil || event.ExternalEventID == "" {
		return nil, false, fmt.Errorf("invalid webhook event")
	}
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	outcome := event.Outcome
	if outcome == "" {
		outcome = entitlement.OutcomePending
	}
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	stored, err := scanEvent(s.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (id, source, external_event_id, event_type, user_id,
			received_at, outcome, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (source, external_event_id) DO NOTHING
			RETURNING `+eventColumns,
		id, string(event.Source), event.ExternalEventID, event.EventType, event.UserID,
		receivedAt, string(outcome), event.Payload))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	existing, err := s.GetWebhookEvent(ctx, entitlement.EventKey{
		Source: event.Source, ExternalEventID: event.ExternalEventID,
	})
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// RecordWebhookFailure implements entitlement.Store
func (s *Storage) RecordWebhookFailure(
	ctx context.Context, key entitlement.EventKey, cause string, maxAttempts int, now time.Time,
) (*entitlement.WebhookEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`UPDATE webhook_events SET
			attempts = attempts + 1,
			last_error = $3,
			processed_at = CASE WHEN $4::int > 0 AND attempts + 1 >= $4::int THEN $5 ELSE processed_at END,
			outcome = CASE WHEN $4::int > 0 AND attempts + 1 >= $4::int THEN 'failed' ELSE outcome END
			WHERE source = $1 AND external_event_id = $2
			RETURNING `+eventColumns,
		string(key.Source), key.ExternalEventID, cause, maxAttempts, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return ev, nil
}

// GetWebhookEvent implements entitlement.Store
func (s *Storage) GetWebhookEvent(ctx context.Context, key entitlement.EventKey) (*entitlement.WebhookEvent, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE source = $1 AND external_event_id = $2`,
		string(key.Source), key.ExternalEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: webhook event %s", entitlement.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return ev, nil
}

// ListWebhookEvents implements entitlement.Store
func (s *Storage) ListWebhookEvents(
	ctx context.Context, outcome entitlement.Outcome, limit int,
) ([]*entitlement.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE ($1::text = '' OR outcome = $1::text)
			ORDER BY received_at
			LIMIT NULLIF($2::int, 0)`,
		string(outcome), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	out := make([]*entitlement.WebhookEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Storage) querySubscriptions(ctx context.Context, sql string, args ...any) ([]*entitlement.Subscription, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]*entitlement.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetSubscriptions implements entitlement.Store
func (s *Storage) GetSubscriptions(ctx context.Context, userID string) ([]*entitlement.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY created_at`,
		userID)
}

// GetSubscription implements entitlement.Store
func (s *Storage) GetSubscription(
	ctx context.Context, userID string, source entitlement.Source,
) (*entitlement.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND source = $2
			ORDER BY (status = 'expired'), created_at DESC
			LIMIT 1`,
		userID, string(source)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: subscription %s/%s", entitlement.ErrNotFound, userID, source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptionsForSweep implements entitlement.Store
func (s *Storage) ListSubscriptionsForSweep(
	ctx context.Context, q entitlement.SweepQuery,
) ([]*entitlement.Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status <> 'expired'
			AND (last_synced_at < $1
				OR (status IN ('past_due', 'canceled_pending')
					AND current_period_end IS NOT NULL
					AND current_period_end < $2))
			ORDER BY last_synced_at
			LIMIT NULLIF($3::int, 0)`,
		q.SyncedBefore, q.PeriodEndedBefore, q.Limit)
}

// Ping implements entitlement.Store
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
