// Package stripe adapts Stripe to the entitlement engine as the web source.
// It verifies and decodes subscription webhooks, pulls subscription state,
// creates checkout and billing portal sessions, and mirrors discount codes
// as coupon plus promotion code pairs.
package stripe

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	providerName    = "stripe"
	signatureHeader = "Stripe-Signature"
	userIDMetadata  = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (APIKey, WebhookSecret, Metrics, etc.)

	// PriceMapping maps checkout plan names to Stripe Price IDs.
	PriceMapping map[string]string

	// AllowPromotionCodes shows the promotion code field on checkout pages.
	AllowPromotionCodes bool

	// Performance Hook (Optional)
	// If provided, lookups use this for O(1) customer resolution
	// If nil, falls back to the slow Stripe Search API
	CustomerIDResolver func(ctx context.Context, userID string) (string, error)

	// UserIDResolver maps a customer to a user when the subscription carries
	// no metadata.user_id. It runs while a webhook is decoded, so it must be
	// a local lookup. Optional.
	UserIDResolver func(ctx context.Context, customerID string) (string, error)
}

// Provider implements billing.Provider, entitlement.PromotionClient and
// entitlement.CheckoutClient for Stripe
type Provider struct {
	api           api
	config        Config
	priceMapping  map[string]string
	webhookSecret string
	logger        entitlement.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.NotConfigured(providerName, "api key is required")
	}
	client := &sdkClient{
		sc:      stripe.NewClient(apiKey),
		metrics: config.MetricsOrNoop(),
	}
	return newProvider(config, client), nil
}

func newProvider(config Config, client api) *Provider {
	mapping := make(map[string]string, len(config.PriceMapping))
	for plan, price := range config.PriceMapping {
		mapping[strings.ToLower(strings.TrimSpace(plan))] = strings.TrimSpace(price)
	}
	return &Provider{
		api:           client,
		config:        config,
		priceMapping:  mapping,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		logger:        config.LoggerOrNoop(),
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Sources implements billing.Provider
func (p *Provider) Sources() []entitlement.Source {
	return []entitlement.Source{entitlement.SourceWeb}
}

// SignatureHeader implements billing.Provider
func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

// resolveCustomerID attempts to find the Stripe Customer ID for a user.
// Uses the fast path (CustomerIDResolver) if available, otherwise falls back
// to the slow Stripe Search API.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if p.config.CustomerIDResolver != nil {
		customerID, err := p.config.CustomerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
	}
	return p.api.SearchCustomer(ctx, userID)
}

var _ billing.Provider = (*Provider)(nil)
var _ entitlement.PromotionClient = (*Provider)(nil)
var _ entitlement.CheckoutClient = (*Provider)(nil)
var _ entitlement.CustomerLookup = (*Provider)(nil)
