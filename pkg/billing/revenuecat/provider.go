// Package revenuecat adapts RevenueCat to the entitlement engine. One
// provider serves both in-app sources: App Store and Play Store purchases
// arrive through the same webhook and the same subscriber API.
package revenuecat

import (
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	providerName         = "revenuecat"
	revenueCatAPIBaseURL = "https://api.revenuecat.com/v1"
	signatureHeader      = "Authorization"
	hmacHeader           = "X-RevenueCat-Signature"
)

// Config extends billing.Config with RevenueCat-specific options
type Config struct {
	billing.Config

	// EnableHMAC additionally accepts a base64 HMAC-SHA256 of the body,
	// keyed with WebhookSecret, in X-RevenueCat-Signature.
	EnableHMAC bool

	// Entitlements lists the RevenueCat entitlement identifiers that grant
	// premium. Empty means every entitlement does.
	Entitlements []string

	// BaseURL overrides the REST API root. Used by tests.
	BaseURL string
}

// Provider implements the billing.Provider interface for RevenueCat
type Provider struct {
	config       Config
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	secret       []byte
	acceptHMAC   bool
	entitlements map[string]bool
	metrics      billing.Metrics
	logger       entitlement.Logger
	now          func() time.Time
}

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := stripBearer(config.APIKey)
	secret := stripBearer(config.WebhookSecret)
	if apiKey == "" && secret == "" {
		return nil, billing.NotConfigured(providerName, "api key or webhook secret is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = revenueCatAPIBaseURL
	}

	entitlements := make(map[string]bool, len(config.Entitlements))
	for _, id := range config.Entitlements {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			entitlements[id] = true
		}
	}

	return &Provider{
		config:       config,
		httpClient:   config.Client(),
		baseURL:      baseURL,
		apiKey:       apiKey,
		secret:       []byte(secret),
		acceptHMAC:   config.EnableHMAC,
		entitlements: entitlements,
		metrics:      config.MetricsOrNoop(),
		logger:       config.LoggerOrNoop(),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Sources implements billing.Provider
func (p *Provider) Sources() []entitlement.Source {
	return []entitlement.Source{entitlement.SourceAppStore, entitlement.SourcePlayStore}
}

// SignatureHeader implements billing.Provider
func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

// grantsPremium reports whether any of ids is a configured entitlement.
// An empty list cannot be checked and is accepted.
func (p *Provider) grantsPremium(ids ...string) bool {
	if len(p.entitlements) == 0 {
		return true
	}
	checked := false
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		checked = true
		if p.entitlements[id] {
			return true
		}
	}
	return !checked
}

// sourceForStore maps a RevenueCat store name to a payment source. Stores
// outside the in-app sources map to "".
func sourceForStore(store string) entitlement.Source {
	switch strings.ToUpper(strings.TrimSpace(store)) {
	case "APP_STORE", "MAC_APP_STORE":
		return entitlement.SourceAppStore
	case "PLAY_STORE":
		return entitlement.SourcePlayStore
	default:
		return ""
	}
}

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(strings.ToLower(v), "bearer ") {
		v = strings.TrimSpace(v[len("bearer "):])
	}
	return v
}

var _ billing.Provider = (*Provider)(nil)
var _ billing.SignatureExtractor = (*Provider)(nil)
