package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

var (
	// ErrCustomerNotFound is returned when a user has no customer record at the provider
	ErrCustomerNotFound = fmt.Errorf("customer %w", entitlement.ErrNotFound)

	// ErrProviderAPIError is returned when the provider rejects a request
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrPlanNotConfigured is returned when a checkout plan has no price mapping
	ErrPlanNotConfigured = fmt.Errorf("%w: plan not configured", entitlement.ErrConfiguration)
)

// ClassifyStatus maps a provider HTTP status to the entitlement error taxonomy.
func ClassifyStatus(provider, endpoint string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", provider, endpoint, entitlement.ErrNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s rejected credentials (%d)", entitlement.ErrConfiguration, provider, status)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %s %s returned %d", entitlement.ErrProviderUnavailable, provider, endpoint, status)
	default:
		return entitlement.Permanent(fmt.Errorf("%w: %s %s returned %d", ErrProviderAPIError, provider, endpoint, status))
	}
}

// ClassifyTransportError maps a failed round trip to ErrProviderUnavailable.
// Cancellation by the caller is returned unchanged.
func ClassifyTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", entitlement.ErrProviderUnavailable, provider, err)
}

// NotConfigured reports a provider missing required settings.
func NotConfigured(provider, reason string) error {
	return fmt.Errorf("%w: %s: %s", entitlement.ErrProviderNotConfigured, provider, reason)
}
