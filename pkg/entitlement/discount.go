package entitlement

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DiscountKind selects how a discount is expressed.
type DiscountKind string

const (
	DiscountPercent DiscountKind = "percent"
	DiscountAmount  DiscountKind = "amount"
)

// DiscountDuration is how long a redeemed discount applies.
type DiscountDuration string

const (
	DurationOnce      DiscountDuration = "once"
	DurationForever   DiscountDuration = "forever"
	DurationRepeating DiscountDuration = "repeating"
)

// SyncState tracks whether the remote objects match the local row.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,63}$`)

// DiscountCode is an admin-managed promotion mirrored on the web provider
// as a coupon plus a promotion code.
type DiscountCode struct {
	Code             string
	Kind             DiscountKind
	PercentOff       float64
	AmountOff        int64
	Currency         string
	Duration         DiscountDuration
	DurationInMonths int
	MaxRedemptions   *int
	ExpiresAt        *time.Time
	IsActive         bool

	ExternalCouponID string
	ExternalPromoID  string

	// TimesRedeemed counts redemptions across every promotion code this
	// row ever had. RetiredRedemptions is the part from retired codes.
	TimesRedeemed      int
	RetiredRedemptions int

	// Revision increases on every change of terms and scopes the
	// idempotency keys of remote creates.
	Revision int

	// RetiredPromoIDs are remote promotion codes still to deactivate.
	RetiredPromoIDs []string

	SyncState        SyncState
	SyncError        string
	UsageRefreshedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy of the code.
func (d *DiscountCode) Clone() *DiscountCode {
	if d == nil {
		return nil
	}
	c := *d
	if d.MaxRedemptions != nil {
		v := *d.MaxRedemptions
		c.MaxRedemptions = &v
	}
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		c.ExpiresAt = &t
	}
	if d.UsageRefreshedAt != nil {
		t := *d.UsageRefreshedAt
		c.UsageRefreshedAt = &t
	}
	c.RetiredPromoIDs = append([]string(nil), d.RetiredPromoIDs...)
	return &c
}

// NormalizeCode returns the canonical (upper case) form of a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks the discount terms.
func (d *DiscountCode) Validate() error {
	if !codePattern.MatchString(d.Code) {
		return fmt.Errorf("%w: code must be 3-64 characters of A-Z, 0-9, '-' or '_'", ErrConfiguration)
	}
	switch d.Kind {
	case DiscountPercent:
		if d.PercentOff <= 0 || d.PercentOff > 100 {
			return fmt.Errorf("%w: percent_off must be in (0, 100]", ErrConfiguration)
		}
		if d.AmountOff != 0 {
			return fmt.Errorf("%w: amount_off is not allowed for percent discounts", ErrConfiguration)
		}
	case DiscountAmount:
		if d.AmountOff <= 0 {
			return fmt.Errorf("%w: amount_off must be positive", ErrConfiguration)
		}
		if d.PercentOff != 0 {
			return fmt.Errorf("%w: percent_off is not allowed for amount discounts", ErrConfiguration)
		}
		if len(d.Currency) != 3 {
			return fmt.Errorf("%w: amount discounts need a 3-letter currency", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown discount kind %q", ErrConfiguration, d.Kind)
	}
	switch d.Duration {
	case DurationOnce, DurationForever:
		if d.DurationInMonths != 0 {
			return fmt.Errorf("%w: duration_in_months is only allowed for repeating discounts", ErrConfiguration)
		}
	case DurationRepeating:
		if d.DurationInMonths <= 0 {
			return fmt.Errorf("%w: repeating discounts need duration_in_months", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown duration %q", ErrConfiguration, d.Duration)
	}
	if d.MaxRedemptions != nil && *d.MaxRedemptions <= 0 {
		return fmt.Errorf("%w: max_redemptions must be positive", ErrConfiguration)
	}
	return nil
}

// sameTerms reports whether d and o would produce the same remote objects.
func (d *DiscountCode) sameTerms(o *DiscountCode) bool {
	if d.Kind != o.Kind || d.PercentOff != o.PercentOff || d.AmountOff != o.AmountOff ||
		!strings.EqualFold(d.Currency, o.Currency) || d.Duration != o.Duration ||
		d.DurationInMonths != o.DurationInMonths {
		return false
	}
	if (d.MaxRedemptions == nil) != (o.MaxRedemptions == nil) ||
		(d.MaxRedemptions != nil && *d.MaxRedemptions != *o.MaxRedemptions) {
		return false
	}
	if (d.ExpiresAt == nil) != (o.ExpiresAt == nil) ||
		(d.ExpiresAt != nil && !d.ExpiresAt.Equal(*o.ExpiresAt)) {
		return false
	}
	return true
}

func (d *DiscountCode) couponTerms() CouponTerms {
	return CouponTerms{
		Name:             d.Code,
		Kind:             d.Kind,
		PercentOff:       d.PercentOff,
		AmountOff:        d.AmountOff,
		Currency:         strings.ToLower(d.Currency),
		Duration:         d.Duration,
		DurationInMonths: d.DurationInMonths,
	}
}

// Synced reports whether both remote objects exist for the current terms.
func (d *DiscountCode) Synced() bool {
	return d.ExternalCouponID != "" && d.ExternalPromoID != "" && len(d.RetiredPromoIDs) == 0
}
