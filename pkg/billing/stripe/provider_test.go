package stripe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

func TestNewProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewProvider(Config{})
	if !errors.Is(err, entitlement.ErrProviderNotConfigured) {
		t.Fatalf("Expected ErrProviderNotConfigured, got %v", err)
	}

	p, err := NewProvider(Config{Config: billing.Config{APIKey: "sk_test_123"}})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if p.Name() != "stripe" || p.SignatureHeader() != "Stripe-Signature" {
		t.Errorf("Unexpected provider identity %q %q", p.Name(), p.SignatureHeader())
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status string
		cancel bool
		want   entitlement.Status
	}{
		{"active", false, entitlement.StatusActive},
		{"active", true, entitlement.StatusCanceledPending},
		{"trialing", false, entitlement.StatusTrialing},
		{"trialing", true, entitlement.StatusCanceledPending},
		{"past_due", false, entitlement.StatusPastDue},
		{"unpaid", false, entitlement.StatusPastDue},
		{"paused", false, entitlement.StatusPastDue},
		{"canceled", false, entitlement.StatusExpired},
		{"incomplete_expired", false, entitlement.StatusExpired},
		{"incomplete", false, entitlement.StatusNone},
		{"something_new", false, entitlement.StatusNone},
	}
	for _, tt := range tests {
		if got := mapStatus(tt.status, tt.cancel); got != tt.want {
			t.Errorf("mapStatus(%q, %v) = %s, want %s", tt.status, tt.cancel, got, tt.want)
		}
	}
}

func TestFetchSubscription_PicksMostEntitling(t *testing.T) {
	api := newFakeAPI()
	api.customers[testUserID] = testCustomerID
	end := time.Now().Add(30 * 24 * time.Hour).Unix()

	old := &subscriptionObject{ID: "sub_old", Status: "canceled", Created: 300}
	live := &subscriptionObject{ID: "sub_live", Status: "active", Created: 100}
	live.Items.Data = []subscriptionItem{{CurrentPeriodEnd: end}}
	api.subscriptions[testCustomerID] = []*subscriptionObject{old, live}

	p := newTestProvider(api, Config{})
	state, err := p.FetchSubscription(context.Background(), testUserID, entitlement.SourceWeb)
	if err != nil {
		t.Fatalf("FetchSubscription failed: %v", err)
	}
	if state.ExternalSubscriptionID != "sub_live" || state.Status != entitlement.StatusActive {
		t.Errorf("Expected sub_live active, got %s %s", state.ExternalSubscriptionID, state.Status)
	}
	if state.CurrentPeriodEnd.Unix() != end {
		t.Errorf("Expected period end %d, got %d", end, state.CurrentPeriodEnd.Unix())
	}
	if state.ObservedAt.IsZero() {
		t.Error("Expected ObservedAt to be set to the fetch time")
	}
}

func TestFetchSubscription_NotFound(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(api, Config{})

	_, err := p.FetchSubscription(context.Background(), testUserID, entitlement.SourceWeb)
	if !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown customer, got %v", err)
	}

	api.customers[testUserID] = testCustomerID
	_, err = p.FetchSubscription(context.Background(), testUserID, entitlement.SourceWeb)
	if !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for customer without subscriptions, got %v", err)
	}
}

func TestFetchSubscription_ProviderUnavailable(t *testing.T) {
	api := newFakeAPI()
	api.err = billing.ClassifyStatus(providerName, "/customers/search", 503)
	p := newTestProvider(api, Config{})

	_, err := p.FetchSubscription(context.Background(), testUserID, entitlement.SourceWeb)
	if !entitlement.IsRetryable(err) {
		t.Fatalf("Expected retryable error, got %v", err)
	}
}

func TestFetchSubscription_UsesCustomerIDResolver(t *testing.T) {
	api := newFakeAPI()
	api.subscriptions["cus_fast"] = []*subscriptionObject{{ID: "sub_1", Status: "trialing"}}

	p := newTestProvider(api, Config{
		CustomerIDResolver: func(_ context.Context, userID string) (string, error) {
			return "cus_fast", nil
		},
	})
	state, err := p.FetchSubscription(context.Background(), testUserID, entitlement.SourceWeb)
	if err != nil {
		t.Fatalf("FetchSubscription failed: %v", err)
	}
	if state.Status != entitlement.StatusTrialing {
		t.Errorf("Expected trialing, got %s", state.Status)
	}
}

func TestFetchSubscription_RejectsOtherSources(t *testing.T) {
	p := newTestProvider(newFakeAPI(), Config{})
	_, err := p.FetchSubscription(context.Background(), testUserID, entitlement.SourceAppStore)
	if !errors.Is(err, entitlement.ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration, got %v", err)
	}
}

func TestCheckoutURL(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(api, Config{
		PriceMapping:        map[string]string{"Premium_Monthly": "price_monthly"},
		AllowPromotionCodes: true,
	})
	ctx := context.Background()

	url, err := p.CheckoutURL(ctx, testUserID, "premium_monthly", "https://app.test/ok", "https://app.test/cancel")
	if err != nil {
		t.Fatalf("CheckoutURL failed: %v", err)
	}
	if url == "" {
		t.Fatal("Expected a checkout URL")
	}
	req := api.checkouts[0]
	if req.PriceID != "price_monthly" || req.UserID != testUserID || req.CustomerID != "" || !req.AllowPromotionCodes {
		t.Errorf("Unexpected checkout request: %+v", req)
	}

	api.customers[testUserID] = testCustomerID
	if _, err := p.CheckoutURL(ctx, testUserID, "premium_monthly", "https://app.test/ok", "https://app.test/cancel"); err != nil {
		t.Fatalf("CheckoutURL failed: %v", err)
	}
	if api.checkouts[1].CustomerID != testCustomerID {
		t.Errorf("Expected existing customer to be attached, got %q", api.checkouts[1].CustomerID)
	}

	if _, err := p.CheckoutURL(ctx, testUserID, "gold", "https://app.test/ok", "https://app.test/cancel"); !errors.Is(err, billing.ErrPlanNotConfigured) {
		t.Errorf("Expected ErrPlanNotConfigured, got %v", err)
	}
}

func TestCheckoutURL_FailsOnLookupOutage(t *testing.T) {
	api := newFakeAPI()
	api.err = billing.ClassifyStatus(providerName, "/customers/search", 500)
	p := newTestProvider(api, Config{PriceMapping: map[string]string{"premium": "price_1"}})

	_, err := p.CheckoutURL(context.Background(), testUserID, "premium", "https://app.test/ok", "https://app.test/cancel")
	if !entitlement.IsRetryable(err) {
		t.Fatalf("Expected lookup outage to abort checkout, got %v", err)
	}
	if len(api.checkouts) != 0 {
		t.Error("No session may be created when customer lookup fails")
	}
}

func TestPortalURL(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(api, Config{})
	ctx := context.Background()

	if _, err := p.PortalURL(ctx, testUserID, "https://app.test/account"); !errors.Is(err, billing.ErrCustomerNotFound) {
		t.Fatalf("Expected ErrCustomerNotFound, got %v", err)
	}

	api.customers[testUserID] = testCustomerID
	url, err := p.PortalURL(ctx, testUserID, "https://app.test/account")
	if err != nil {
		t.Fatalf("PortalURL failed: %v", err)
	}
	if url != "https://billing.stripe.test/p/"+testCustomerID {
		t.Errorf("Unexpected portal url %q", url)
	}
}

func TestPromotionClient(t *testing.T) {
	api := newFakeAPI()
	p := newTestProvider(api, Config{})
	ctx := context.Background()

	couponID, err := p.CreateCoupon(ctx, entitlement.CouponTerms{
		Name: "SPRING", Kind: entitlement.DiscountPercent, PercentOff: 20, Duration: entitlement.DurationOnce,
	}, "discount-SPRING-r1-coupon")
	if err != nil {
		t.Fatalf("CreateCoupon failed: %v", err)
	}
	promoID, err := p.CreatePromotionCode(ctx, entitlement.PromotionTerms{
		Code: "SPRING", CouponID: couponID, Active: true,
	}, "discount-SPRING-r1-promo")
	if err != nil {
		t.Fatalf("CreatePromotionCode failed: %v", err)
	}
	if err := p.SetPromotionCodeActive(ctx, promoID, false); err != nil {
		t.Fatalf("SetPromotionCodeActive failed: %v", err)
	}
	if api.promos[promoID] {
		t.Error("Expected promotion code to be inactive")
	}

	api.redeemed[promoID] = 4
	n, err := p.PromotionCodeRedemptions(ctx, promoID)
	if err != nil || n != 4 {
		t.Errorf("Expected 4 redemptions, got %d (%v)", n, err)
	}
}
