package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// DefaultCallTimeout bounds a single outbound provider API call.
const DefaultCallTimeout = 5 * time.Second

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// WebhookSecret is used to verify incoming webhook requests (e.g. the
	// Stripe endpoint secret or the RevenueCat authorization token).
	WebhookSecret string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a client with CallTimeout is used.
	HTTPClient *http.Client

	// CallTimeout bounds each outbound API call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Metrics is an optional metrics collector for tracking provider API calls.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is optional.
	Logger entitlement.Logger
}

// Timeout returns the configured call timeout or the default.
func (c Config) Timeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return DefaultCallTimeout
}

// Client returns the configured HTTP client or a new one bounded by Timeout.
func (c Config) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout()}
}

// MetricsOrNoop returns the configured metrics or a no-op collector.
func (c Config) MetricsOrNoop() Metrics {
	if c.Metrics == nil {
		return &NoopMetrics{}
	}
	return c.Metrics
}

// LoggerOrNoop returns the configured logger or a no-op logger.
func (c Config) LoggerOrNoop() entitlement.Logger {
	if c.Logger == nil {
		return &entitlement.NoopLogger{}
	}
	return c.Logger
}
