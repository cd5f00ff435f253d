package billing

import (
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Provider is the interface every billing backend adapter implements.
// Adapters are stateless translators: they authenticate webhooks, decode
// them into entitlement.ProviderEvent and pull subscription state. All
// persistence happens in the entitlement package.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat", "stripe")
	Name() string

	// Sources lists the payment sources this provider reports on.
	Sources() []entitlement.Source

	// SignatureHeader is the request header carrying the webhook signature.
	SignatureHeader() string

	entitlement.ProviderClient
	entitlement.WebhookVerifier
}

// SignatureExtractor is implemented by providers whose credential is not a
// single header value. The webhook endpoint prefers it over SignatureHeader.
type SignatureExtractor interface {
	ExtractSignature(r *http.Request) string
}
