package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func (s *Storage) discountDoc(code string) *firestore.DocumentRef {
	return s.client.Collection(s.discountsCollection).Doc(code)
}

// CreateDiscountCode implements entitlement.Store
func (s *Storage) CreateDiscountCode(ctx context.Context, code *entitlement.DiscountCode) error {
	_, err := s.discountDoc(code.Code).Create(ctx, discountData(code))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", entitlement.ErrDiscountCodeExists, code.Code)
		}
		return fmt.Errorf("failed to create discount code: %w", err)
	}
	return nil
}

// GetDiscountCode implements entitlement.Store
func (s *Storage) GetDiscountCode(ctx context.Context, code string) (*entitlement.DiscountCode, error) {
	snap, err := s.discountDoc(code).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
		}
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	return discountFromData(snap.Data()), nil
}

// ListDiscountCodes implements entitlement.Store
func (s *Storage) ListDiscountCodes(ctx context.Context) ([]*entitlement.DiscountCode, error) {
	docs, err := s.client.Collection(s.discountsCollection).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list discount codes: %w", err)
	}
	out := make([]*entitlement.DiscountCode, 0, len(docs))
	for _, doc := range docs {
		out = append(out, discountFromData(doc.Data()))
	}
	return out, nil
}

// UpdateDiscountCode implements entitlement.Store. fn may run again when
// the transaction is retried.
func (s *Storage) UpdateDiscountCode(
	ctx context.Context, code string, fn func(*entitlement.DiscountCode) error,
) (*entitlement.DiscountCode, error) {
	ref := s.discountDoc(code)
	var updated *entitlement.DiscountCode
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
			}
			return fmt.Errorf("failed to get discount code: %w", err)
		}
		working := discountFromData(snap.Data())
		if err := fn(working); err != nil {
			return err
		}
		working.Code = code
		updated = working
		return tx.Set(ref, discountData(working))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteDiscountCode implements entitlement.Store
func (s *Storage) DeleteDiscountCode(ctx context.Context, code string) error {
	ref := s.discountDoc(code)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: discount code %s", entitlement.ErrNotFound, code)
			}
			return fmt.Errorf("failed to get discount code: %w", err)
		}
		return tx.Delete(ref)
	})
}

func discountData(d *entitlement.DiscountCode) map[string]interface{} {
	data := map[string]interface{}{
		"code":               d.Code,
		"kind":               string(d.Kind),
		"percentOff":         d.PercentOff,
		"amountOff":          d.AmountOff,
		"currency":           d.Currency,
		"duration":           string(d.Duration),
		"durationInMonths":   d.DurationInMonths,
		"maxRedemptions":     nil,
		"expiresAt":          nil,
		"isActive":           d.IsActive,
		"externalCouponId":   d.ExternalCouponID,
		"externalPromoId":    d.ExternalPromoID,
		"timesRedeemed":      d.TimesRedeemed,
		"retiredRedemptions": d.RetiredRedemptions,
		"revision":           d.Revision,
		"retiredPromoIds":    append([]string{}, d.RetiredPromoIDs...),
		"syncState":          string(d.SyncState),
		"syncError":          d.SyncError,
		"usageRefreshedAt":   nil,
		"createdAt":          d.CreatedAt,
		"updatedAt":          d.UpdatedAt,
	}
	if d.MaxRedemptions != nil {
		data["maxRedemptions"] = *d.MaxRedemptions
	}
	if d.ExpiresAt != nil {
		data["expiresAt"] = *d.ExpiresAt
	}
	if d.UsageRefreshedAt != nil {
		data["usageRefreshedAt"] = *d.UsageRefreshedAt
	}
	return data
}

func discountFromData(data map[string]interface{}) *entitlement.DiscountCode {
	d := &entitlement.DiscountCode{
		Code:               getString(data, "code"),
		Kind:               entitlement.DiscountKind(getString(data, "kind")),
		PercentOff:         getFloat(data, "percentOff"),
		AmountOff:          getInt64(data, "amountOff"),
		Currency:           getString(data, "currency"),
		Duration:           entitlement.DiscountDuration(getString(data, "duration")),
		DurationInMonths:   getInt(data, "durationInMonths"),
		ExpiresAt:          getTimePtr(data, "expiresAt"),
		IsActive:           getBool(data, "isActive"),
		ExternalCouponID:   getString(data, "externalCouponId"),
		ExternalPromoID:    getString(data, "externalPromoId"),
		TimesRedeemed:      getInt(data, "timesRedeemed"),
		RetiredRedemptions: getInt(data, "retiredRedemptions"),
		Revision:           getInt(data, "revision"),
		SyncState:          entitlement.SyncState(getString(data, "syncState")),
		SyncError:          getString(data, "syncError"),
		UsageRefreshedAt:   getTimePtr(data, "usageRefreshedAt"),
		CreatedAt:          getTime(data, "createdAt"),
		UpdatedAt:          getTime(data, "updatedAt"),
	}
	if data["maxRedemptions"] != nil {
		n := getInt(data, "maxRedemptions")
		d.MaxRedemptions = &n
	}
	if ids, ok := data["retiredPromoIds"].([]interface{}); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				d.RetiredPromoIDs = append(d.RetiredPromoIDs, s)
			}
		}
	}
	return d
}
