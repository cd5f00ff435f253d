package stripe

import (
	"context"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	testUserID     = "user_123"
	testCustomerID = "cus_123"
	testSecret     = "whsec_test_secret"
)

// fakeAPI is an in-memory stand-in for the Stripe API.
type fakeAPI struct {
	mu            sync.Mutex
	customers     map[string]string // user -> customer
	customerUsers map[string]string // customer -> user
	subscriptions map[string][]*subscriptionObject
	err           error

	customerLookups int

	checkouts []checkoutRequest
	portals   []string
	coupons   map[string]entitlement.CouponTerms // idempotency key -> terms
	promos    map[string]bool                     // promo id -> active
	redeemed  map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		customers:     map[string]string{},
		customerUsers: map[string]string{},
		subscriptions: map[string][]*subscriptionObject{},
		coupons:       map[string]entitlement.CouponTerms{},
		promos:        map[string]bool{},
		redeemed:      map[string]int{},
	}
}

func (f *fakeAPI) SearchCustomer(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.customers[userID]; ok {
		return id, nil
	}
	return "", billing.ErrCustomerNotFound
}

func (f *fakeAPI) CustomerUserID(_ context.Context, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerLookups++
	if f.err != nil {
		return "", f.err
	}
	if id, ok := f.customerUsers[customerID]; ok {
		return id, nil
	}
	return "", billing.ErrCustomerNotFound
}

func (f *fakeAPI) ListSubscriptions(_ context.Context, customerID string) ([]*subscriptionObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.subscriptions[customerID], nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, req checkoutRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	return "https://checkout.stripe.test/c/" + req.PriceID, nil
}

func (f *fakeAPI) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portals = append(f.portals, customerID)
	return "https://billing.stripe.test/p/" + customerID, nil
}

func (f *fakeAPI) CreateCoupon(_ context.Context, terms entitlement.CouponTerms, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coupons[key] = terms
	return "co_" + key, nil
}

func (f *fakeAPI) CreatePromotionCode(_ context.Context, terms entitlement.PromotionTerms, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "promo_" + key
	f.promos[id] = terms.Active
	return id, nil
}

func (f *fakeAPI) UpdatePromotionCode(_ context.Context, promoID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.promos[promoID]; !ok {
		return entitlement.ErrNotFound
	}
	f.promos[promoID] = active
	return nil
}

func (f *fakeAPI) PromotionCodeRedemptions(_ context.Context, promoID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redeemed[promoID], nil
}

func newTestProvider(api *fakeAPI, config Config) *Provider {
	if config.WebhookSecret == "" {
		config.WebhookSecret = testSecret
	}
	return newProvider(config, api)
}
