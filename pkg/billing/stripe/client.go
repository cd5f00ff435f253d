package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// api is the subset of the Stripe API the provider uses. Subscriptions are
// exchanged as subscriptionObject so webhooks and pulls share one decoder.
type api interface {
	SearchCustomer(ctx context.Context, userID string) (string, error)
	CustomerUserID(ctx context.Context, customerID string) (string, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*subscriptionObject, error)

	CreateCheckoutSession(ctx context.Context, req checkoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	CreateCoupon(ctx context.Context, terms entitlement.CouponTerms, idempotencyKey string) (string, error)
	CreatePromotionCode(ctx context.Context, terms entitlement.PromotionTerms, idempotencyKey string) (string, error)
	UpdatePromotionCode(ctx context.Context, promoID string, active bool) error
	PromotionCodeRedemptions(ctx context.Context, promoID string) (int, error)
}

type checkoutRequest struct {
	PriceID             string
	CustomerID          string
	UserID              string
	SuccessURL          string
	CancelURL           string
	AllowPromotionCodes bool
}

// sdkClient implements api with stripe-go.
type sdkClient struct {
	sc      *stripe.Client
	metrics billing.Metrics
}

func (c *sdkClient) observe(endpoint string, start time.Time, err error) {
	status := "200"
	var serr *stripe.Error
	switch {
	case errors.As(err, &serr):
		status = strconv.Itoa(serr.HTTPStatusCode)
	case err != nil:
		status = "error"
	}
	c.metrics.RecordAPICall(providerName, endpoint, status)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

// classify maps stripe-go errors to the entitlement error taxonomy.
func classify(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode != 0 {
		if serr.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("stripe %s: %w", endpoint, entitlement.ErrNotFound)
		}
		if cerr := billing.ClassifyStatus(providerName, endpoint, serr.HTTPStatusCode); cerr != nil {
			return fmt.Errorf("%w: %s", cerr, serr.Msg)
		}
	}
	return billing.ClassifyTransportError(providerName, err)
}

func (c *sdkClient) SearchCustomer(ctx context.Context, userID string) (id string, err error) {
	defer func(start time.Time) { c.observe("/customers/search", start, err) }(time.Now())

	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", userIDMetadata, escapeSearch(userID))

	for cust, serr := range c.sc.V1Customers.Search(ctx, params) {
		if serr != nil {
			return "", classify("/customers/search", serr)
		}
		// Search can return partial matches
		if cust.Metadata != nil && cust.Metadata[userIDMetadata] == userID {
			return cust.ID, nil
		}
	}
	return "", billing.ErrCustomerNotFound
}

func (c *sdkClient) CustomerUserID(ctx context.Context, customerID string) (id string, err error) {
	defer func(start time.Time) { c.observe("/customers/{id}", start, err) }(time.Now())

	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return "", classify("/customers/{id}", err)
	}
	if cust.Metadata == nil || cust.Metadata[userIDMetadata] == "" {
		return "", billing.ErrCustomerNotFound
	}
	return cust.Metadata[userIDMetadata], nil
}

func (c *sdkClient) ListSubscriptions(ctx context.Context, customerID string) (subs []*subscriptionObject, err error) {
	defer func(start time.Time) { c.observe("/subscriptions", start, err) }(time.Now())

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	for sub, lerr := range c.sc.V1Subscriptions.List(ctx, params) {
		if lerr != nil {
			return nil, classify("/subscriptions", lerr)
		}
		obj, derr := fromSDK(sub)
		if derr != nil {
			return nil, derr
		}
		subs = append(subs, obj)
	}
	return subs, nil
}

// fromSDK re-decodes an SDK subscription through its JSON form.
func fromSDK(sub *stripe.Subscription) (*subscriptionObject, error) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription: %w", err)
	}
	return decodeSubscription(raw)
}

func (c *sdkClient) CreateCheckoutSession(ctx context.Context, req checkoutRequest) (url string, err error) {
	defer func(start time.Time) { c.observe("/checkout/sessions", start, err) }(time.Now())

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
	}
	if req.AllowPromotionCodes {
		params.AllowPromotionCodes = stripe.Bool(true)
	}

	// Webhooks resolve the user from this metadata
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(userIDMetadata, req.UserID)
	params.Metadata = map[string]string{userIDMetadata: req.UserID}

	// Attach existing customer if found (avoids duplicates)
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}

	session, err := c.sc.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", classify("/checkout/sessions", err)
	}
	return session.URL, nil
}

func (c *sdkClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (url string, err error) {
	defer func(start time.Time) { c.observe("/billing_portal/sessions", start, err) }(time.Now())

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := c.sc.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		return "", classify("/billing_portal/sessions", err)
	}
	return session.URL, nil
}

func (c *sdkClient) CreateCoupon(
	ctx context.Context, terms entitlement.CouponTerms, idempotencyKey string,
) (id string, err error) {
	defer func(start time.Time) { c.observe("/coupons", start, err) }(time.Now())

	params := &stripe.CouponCreateParams{
		Name:     stripe.String(terms.Name),
		Duration: stripe.String(string(terms.Duration)),
	}
	if terms.Duration == entitlement.DurationRepeating {
		params.DurationInMonths = stripe.Int64(int64(terms.DurationInMonths))
	}
	switch terms.Kind {
	case entitlement.DiscountPercent:
		params.PercentOff = stripe.Float64(terms.PercentOff)
	case entitlement.DiscountAmount:
		params.AmountOff = stripe.Int64(terms.AmountOff)
		params.Currency = stripe.String(terms.Currency)
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	coupon, err := c.sc.V1Coupons.Create(ctx, params)
	if err != nil {
		return "", classify("/coupons", err)
	}
	return coupon.ID, nil
}

func (c *sdkClient) CreatePromotionCode(
	ctx context.Context, terms entitlement.PromotionTerms, idempotencyKey string,
) (id string, err error) {
	defer func(start time.Time) { c.observe("/promotion_codes", start, err) }(time.Now())

	params := &stripe.PromotionCodeCreateParams{
		Promotion: &stripe.PromotionCodeCreatePromotionParams{
			Type:   stripe.String("coupon"),
			Coupon: stripe.String(terms.CouponID),
		},
		Code:   stripe.String(terms.Code),
		Active: stripe.Bool(terms.Active),
	}
	if terms.MaxRedemptions != nil {
		params.MaxRedemptions = stripe.Int64(int64(*terms.MaxRedemptions))
	}
	if terms.ExpiresAt != nil {
		params.ExpiresAt = stripe.Int64(terms.ExpiresAt.Unix())
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	promo, err := c.sc.V1PromotionCodes.Create(ctx, params)
	if err != nil {
		return "", classify("/promotion_codes", err)
	}
	return promo.ID, nil
}

func (c *sdkClient) UpdatePromotionCode(ctx context.Context, promoID string, active bool) (err error) {
	defer func(start time.Time) { c.observe("/promotion_codes/{id}", start, err) }(time.Now())

	params := &stripe.PromotionCodeUpdateParams{Active: stripe.Bool(active)}
	if _, err = c.sc.V1PromotionCodes.Update(ctx, promoID, params); err != nil {
		return classify("/promotion_codes/{id}", err)
	}
	return nil
}

func (c *sdkClient) PromotionCodeRedemptions(ctx context.Context, promoID string) (n int, err error) {
	defer func(start time.Time) { c.observe("/promotion_codes/{id}", start, err) }(time.Now())

	promo, err := c.sc.V1PromotionCodes.Retrieve(ctx, promoID, nil)
	if err != nil {
		return 0, classify("/promotion_codes/{id}", err)
	}
	return int(promo.TimesRedeemed), nil
}
