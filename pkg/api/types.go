package api

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// EntitlementResponse is the derived entitlement of a user
type EntitlementResponse struct {
	UserID  string                      `json:"user_id"`
	Premium bool                        `json:"premium"`
	Sources []entitlement.SourceSummary `json:"sources"`
	Sync    []SyncStatus                `json:"sync,omitempty"` // Only on POST /v1/entitlements/sync
}

// SyncStatus reports the live check of one source
type SyncStatus struct {
	Source  entitlement.Source  `json:"source"`
	Found   bool                `json:"found"`
	Outcome entitlement.Outcome `json:"outcome,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// DiscountCodeRequest creates or updates a discount code. On PATCH only the
// fields present are changed.
type DiscountCodeRequest struct {
	Code                string                        `json:"code,omitempty"`
	Kind                *entitlement.DiscountKind     `json:"kind,omitempty"`
	PercentOff          *float64                      `json:"percent_off,omitempty"`
	AmountOff           *int64                        `json:"amount_off,omitempty"`
	Currency            *string                       `json:"currency,omitempty"`
	Duration            *entitlement.DiscountDuration `json:"duration,omitempty"`
	DurationInMonths    *int                          `json:"duration_in_months,omitempty"`
	MaxRedemptions      *int                          `json:"max_redemptions,omitempty"`
	ClearMaxRedemptions bool                          `json:"clear_max_redemptions,omitempty"`
	ExpiresAt           *time.Time                    `json:"expires_at,omitempty"`
	ClearExpiresAt      bool                          `json:"clear_expires_at,omitempty"`
	IsActive            *bool                         `json:"is_active,omitempty"`
}

// DiscountCodeResponse is the admin view of a discount code
type DiscountCodeResponse struct {
	Code             string                       `json:"code"`
	Kind             entitlement.DiscountKind     `json:"kind"`
	PercentOff       float64                      `json:"percent_off,omitempty"`
	AmountOff        int64                        `json:"amount_off,omitempty"`
	Currency         string                       `json:"currency,omitempty"`
	Duration         entitlement.DiscountDuration `json:"duration"`
	DurationInMonths int                          `json:"duration_in_months,omitempty"`
	MaxRedemptions   *int                         `json:"max_redemptions,omitempty"`
	ExpiresAt        *time.Time                   `json:"expires_at,omitempty"`
	IsActive         bool                         `json:"is_active"`
	TimesRedeemed    int                          `json:"times_redeemed"`
	CouponID         string                       `json:"coupon_id,omitempty"`
	PromotionCodeID  string                       `json:"promotion_code_id,omitempty"`
	SyncState        entitlement.SyncState        `json:"sync_state"`
	SyncError        string                       `json:"sync_error,omitempty"`
	UsageRefreshedAt *time.Time                   `json:"usage_refreshed_at,omitempty"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// CheckoutRequest asks for a subscription checkout page
type CheckoutRequest struct {
	Plan       string `json:"plan"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// PortalRequest asks for a billing portal page
type PortalRequest struct {
	ReturnURL string `json:"return_url"`
}

// URLResponse carries a redirect URL
type URLResponse struct {
	URL string `json:"url"`
}

// ReplayResponse is the outcome of a replayed webhook event
type ReplayResponse struct {
	Outcome entitlement.Outcome `json:"outcome"`
	EventID string              `json:"event_id"`
	Reason  string              `json:"reason,omitempty"`
}

func discountResponse(d *entitlement.DiscountCode) DiscountCodeResponse {
	return DiscountCodeResponse{
		Code:             d.Code,
		Kind:             d.Kind,
		PercentOff:       d.PercentOff,
		AmountOff:        d.AmountOff,
		Currency:         d.Currency,
		Duration:         d.Duration,
		DurationInMonths: d.DurationInMonths,
		MaxRedemptions:   d.MaxRedemptions,
		ExpiresAt:        d.ExpiresAt,
		IsActive:         d.IsActive,
		TimesRedeemed:    d.TimesRedeemed,
		CouponID:         d.ExternalCouponID,
		PromotionCodeID:  d.ExternalPromoID,
		SyncState:        d.SyncState,
		SyncError:        d.SyncError,
		UsageRefreshedAt: d.UsageRefreshedAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func (req *DiscountCodeRequest) toDiscountCode() *entitlement.DiscountCode {
	d := &entitlement.DiscountCode{Code: req.Code, IsActive: true}
	if req.Kind != nil {
		d.Kind = *req.Kind
	}
	if req.PercentOff != nil {
		d.PercentOff = *req.PercentOff
	}
	if req.AmountOff != nil {
		d.AmountOff = *req.AmountOff
	}
	if req.Currency != nil {
		d.Currency = *req.Currency
	}
	if req.Duration != nil {
		d.Duration = *req.Duration
	}
	if req.DurationInMonths != nil {
		d.DurationInMonths = *req.DurationInMonths
	}
	d.MaxRedemptions = req.MaxRedemptions
	d.ExpiresAt = req.ExpiresAt
	if req.IsActive != nil {
		d.IsActive = *req.IsActive
	}
	return d
}

func (req *DiscountCodeRequest) toUpdate() entitlement.DiscountUpdate {
	return entitlement.DiscountUpdate{
		Kind:                req.Kind,
		PercentOff:          req.PercentOff,
		AmountOff:           req.AmountOff,
		Currency:            req.Currency,
		Duration:            req.Duration,
		DurationInMonths:    req.DurationInMonths,
		MaxRedemptions:      req.MaxRedemptions,
		ClearMaxRedemptions: req.ClearMaxRedemptions,
		ExpiresAt:           req.ExpiresAt,
		ClearExpiresAt:      req.ClearExpiresAt,
	}
}
