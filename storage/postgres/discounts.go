package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const discountColumns = `code, kind, percent_off, amount_off, currency, duration,
	duration_in_months, max_redemptions, expires_at, is_active, external_coupon_id,
	external_promo_id, times_redeemed, retired_redemptions, revision, retired_promo_ids,
	sync_state, sync_error, usage_refreshed_at, created_at, updated_at`

func scanDiscount(row pgx.Row) (*entitlement.DiscountCode, error) {
	var d entitlement.DiscountCode
	err := row.Scan(
		&d.Code, &d.Kind, &d.PercentOff, &d.AmountOff, &d.Currency, &d.Duration,
		&d.DurationInMonths, &d.MaxRedemptions, &d.ExpiresAt, &d.IsActive, &d.ExternalCouponID,
		&d.ExternalPromoID, &d.TimesRedeemed, &d.RetiredRedemptions, &d.Revision, &d.RetiredPromoIDs,
		&d.SyncState, &d.SyncError, &d.UsageRefreshedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func discountArgs(d *entitlement.DiscountCode) []any {
	retired := d.RetiredPromoIDs
	if retired == nil {
		retired = []string{}
	}
	return []any{
		d.Code, string(d.Kind), d.PercentOff, d.AmountOff, d.Currency, string(d.Duration),
		d.DurationInMonths, d.MaxRedemptions, d.ExpiresAt, d.IsActive, d.ExternalCouponID,
		d.ExternalPromoID, d.TimesRedeemed, d.RetiredRedemptions, d.Revision, retired,
		string(d.SyncState), d.SyncError, d.UsageRefreshedAt, d.CreatedAt, d.UpdatedAt,
	}
}

// CreateDiscountCode implements entitlement.Store
func (s *Storage) CreateDiscountCode(ctx context.Context, code *entitlement.DiscountCode) error {
	d := code.Clone()
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO discount_codes (`+discountColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		discountArgs(d)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", entitlement.ErrDiscountCodeExists, code.Code)
	}
	if err != nil {
		return fmt.Errorf("failed to create discount code: %w", err)
	}
	return nil
}

// GetDiscountCode implements entitlement.Store
func (s *Storage) GetDiscountCode(ctx context.Context, code string) (*entitlement.DiscountCode, error) {
	d, err := scanDiscount(s.pool.QueryRow(ctx,
		`SELECT `+discountColumns+` FROM discount_codes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	return d, nil
}

// ListDiscountCodes implements entitlement.Store
func (s *Storage) ListDiscountCodes(ctx context.Context) ([]*entitlement.DiscountCode, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+discountColumns+` FROM discount_codes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list discount codes: %w", err)
	}
	defer rows.Close()

	out := make([]*entitlement.DiscountCode, 0)
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discount code: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDiscountCode implements entitlement.Store
func (s *Storage) UpdateDiscountCode(
	ctx context.Context, code string, fn func(*entitlement.DiscountCode) error,
) (*entitlement.DiscountCode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	d, err := scanDiscount(tx.QueryRow(ctx,
		`SELECT `+discountColumns+` FROM discount_codes WHERE code = $1 FOR UPDATE`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock discount code: %w", err)
	}

	if err := fn(d); err != nil {
		return nil, err
	}
	d.Code = code

	_, err = tx.Exec(ctx,
		`UPDATE discount_codes SET
			kind = $2, percent_off = $3, amount_off = $4, currency = $5, duration = $6,
			duration_in_months = $7, max_redemptions = $8, expires_at = $9, is_active = $10,
			external_coupon_id = $11, external_promo_id = $12, times_redeemed = $13,
			retired_redemptions = $14, revision = $15, retired_promo_ids = $16,
			sync_state = $17, sync_error = $18, usage_refreshed_at = $19,
			created_at = $20, updated_at = $21
			WHERE code = $1`,
		discountArgs(d)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update discount code: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return d, nil
}

// DeleteDiscountCode implements entitlement.Store
func (s *Storage) DeleteDiscountCode(ctx context.Context, code string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM discount_codes WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("failed to delete discount code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
	}
	return nil
}
