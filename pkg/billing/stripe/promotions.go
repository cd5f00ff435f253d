package stripe

import (
	"context"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// CreateCoupon implements entitlement.PromotionClient
func (p *Provider) CreateCoupon(ctx context.Context, terms entitlement.CouponTerms, idempotencyKey string) (string, error) {
	return p.api.CreateCoupon(ctx, terms, idempotencyKey)
}

// CreatePromotionCode implements entitlement.PromotionClient
func (p *Provider) CreatePromotionCode(
	ctx context.Context, terms entitlement.PromotionTerms, idempotencyKey string,
) (string, error) {
	return p.api.CreatePromotionCode(ctx, terms, idempotencyKey)
}

// SetPromotionCodeActive implements entitlement.PromotionClient
func (p *Provider) SetPromotionCodeActive(ctx context.Context, promoID string, active bool) error {
	return p.api.UpdatePromotionCode(ctx, promoID, active)
}

// PromotionCodeRedemptions implements entitlement.PromotionClient
func (p *Provider) PromotionCodeRedemptions(ctx context.Context, promoID string) (int, error) {
	return p.api.PromotionCodeRedemptions(ctx, promoID)
}
