package entitlement

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// CheckoutFactory creates hosted checkout and billing portal sessions. It
// holds no state; entitlement changes arrive later through webhooks.
type CheckoutFactory struct {
	client CheckoutClient
	logger Logger
}

// NewCheckoutFactory creates a factory over the web provider's client.
func NewCheckoutFactory(client CheckoutClient, logger Logger) (*CheckoutFactory, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: checkout client is required", ErrConfiguration)
	}
	return &CheckoutFactory{client: client, logger: orNoopLogger(logger)}, nil
}

// CheckoutURL returns the URL of a new subscription checkout for plan.
func (f *CheckoutFactory) CheckoutURL(ctx context.Context, userID, plan, successURL, cancelURL string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrConfiguration)
	}
	if strings.TrimSpace(plan) == "" {
		return "", fmt.Errorf("%w: plan is required", ErrConfiguration)
	}
	if err := validateRedirect(successURL); err != nil {
		return "", err
	}
	if err := validateRedirect(cancelURL); err != nil {
		return "", err
	}
	u, err := f.client.CheckoutURL(ctx, userID, plan, successURL, cancelURL)
	if err != nil {
		f.logger.Warn("checkout session failed", F("user_id", userID), F("plan", plan), errField(err))
		return "", err
	}
	return u, nil
}

// PortalURL returns the URL of a billing portal session for the user.
func (f *CheckoutFactory) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrConfiguration)
	}
	if err := validateRedirect(returnURL); err != nil {
		return "", err
	}
	u, err := f.client.PortalURL(ctx, userID, returnURL)
	if err != nil {
		f.logger.Warn("portal session failed", F("user_id", userID), errField(err))
		return "", err
	}
	return u, nil
}

func validateRedirect(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: invalid redirect url %q", ErrConfiguration, raw)
	}
	return nil
}
