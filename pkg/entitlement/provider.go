package entitlement

import (
	"context"
	"time"
)

// ProviderClient pulls the authoritative subscription state for a user from
// one payment source.
type ProviderClient interface {
	// FetchSubscription returns the user's current subscription on source.
	// It returns ErrNotFound when the provider knows no subscription and
	// ErrProviderUnavailable on timeouts or provider-side failures.
	FetchSubscription(ctx context.Context, userID string, source Source) (*ProviderState, error)
}

// CustomerLookup is implemented by providers whose webhooks may name a
// customer but not the user.
type CustomerLookup interface {
	// UserIDForCustomer returns ErrNotFound when no user maps to the customer.
	UserIDForCustomer(ctx context.Context, customerID string) (string, error)
}

// WebhookVerifier authenticates and decodes provider notifications.
type WebhookVerifier interface {
	// VerifyWebhook checks the signature and decodes the payload.
	// Verification failures wrap ErrSignatureInvalid.
	VerifyWebhook(ctx context.Context, payload []byte, signature string) (*ProviderEvent, error)

	// DecodeWebhook decodes a payload that was verified on receipt.
	DecodeWebhook(ctx context.Context, payload []byte) (*ProviderEvent, error)
}

// CouponTerms are the immutable terms of a remote coupon.
type CouponTerms struct {
	Name             string
	Kind             DiscountKind
	PercentOff       float64
	AmountOff        int64
	Currency         string
	Duration         DiscountDuration
	DurationInMonths int
}

// PromotionTerms describe the customer-facing code attached to a coupon.
type PromotionTerms struct {
	Code           string
	CouponID       string
	MaxRedemptions *int
	ExpiresAt      *time.Time
	Active         bool
}

// PromotionClient manages coupons and promotion codes on the web provider.
// Create calls take an idempotency key so retries never duplicate objects.
type PromotionClient interface {
	CreateCoupon(ctx context.Context, terms CouponTerms, idempotencyKey string) (string, error)
	CreatePromotionCode(ctx context.Context, terms PromotionTerms, idempotencyKey string) (string, error)
	SetPromotionCodeActive(ctx context.Context, promoID string, active bool) error
	PromotionCodeRedemptions(ctx context.Context, promoID string) (int, error)
}

// CheckoutClient creates hosted billing pages on the web provider.
type CheckoutClient interface {
	CheckoutURL(ctx context.Context, userID, plan, successURL, cancelURL string) (string, error)
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

func orSystemClock(c Clock) Clock {
	if c == nil {
		return systemClock{}
	}
	return c
}
