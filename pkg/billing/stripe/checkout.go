package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// CheckoutURL creates a Stripe Checkout Session and returns the URL.
// The plan is resolved to a Stripe Price ID using the configured PriceMapping.
func (p *Provider) CheckoutURL(ctx context.Context, userID, plan, successURL, cancelURL string) (string, error) {
	priceID := p.priceMapping[strings.ToLower(strings.TrimSpace(plan))]
	if priceID == "" {
		return "", fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, plan)
	}

	// Only a missing customer is tolerated. Any other failure aborts so an
	// outage cannot create a duplicate customer.
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, entitlement.ErrNotFound) {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	return p.api.CreateCheckoutSession(ctx, checkoutRequest{
		PriceID:             priceID,
		CustomerID:          customerID,
		UserID:              userID,
		SuccessURL:          successURL,
		CancelURL:           cancelURL,
		AllowPromotionCodes: p.config.AllowPromotionCodes,
	})
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This allows users to manage their subscription, update payment methods, or cancel.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
		}
		return "", err
	}
	return p.api.CreatePortalSession(ctx, customerID, returnURL)
}
