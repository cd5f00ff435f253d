package revenuecat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// webhookPayload represents the RevenueCat webhook payload structure
type webhookPayload struct {
	APIVersion string `json:"api_version"`
	Event      struct {
		ID               string   `json:"id"`
		Type             string   `json:"type"`
		AppUserID        string   `json:"app_user_id"`
		EntitlementID    string   `json:"entitlement_id"`
		EntitlementIDs   []string `json:"entitlement_ids"`
		ProductID        string   `json:"product_id"`
		Store            string   `json:"store"`
		PeriodType       string   `json:"period_type"`
		ExpirationReason string   `json:"expiration_reason"`
		ExpirationAtMs   int64    `json:"expiration_at_ms"`
		TimestampMs      int64    `json:"timestamp_ms"`
		EventTimestampMs int64    `json:"event_timestamp_ms"`
		PurchasedAtMs    int64    `json:"purchased_at_ms"`
	} `json:"event"`
}

// getEventTimestamp supports both event_timestamp_ms and the older timestamp_ms
func (p *webhookPayload) getEventTimestamp() int64 {
	if p.Event.EventTimestampMs > 0 {
		return p.Event.EventTimestampMs
	}
	return p.Event.TimestampMs
}

func (p *webhookPayload) entitlementIDs() []string {
	ids := append([]string(nil), p.Event.EntitlementIDs...)
	if p.Event.EntitlementID != "" {
		ids = append(ids, p.Event.EntitlementID)
	}
	return ids
}

// ExtractSignature implements billing.SignatureExtractor. RevenueCat sends
// the configured authorization value; HMAC setups sign the body instead.
func (p *Provider) ExtractSignature(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get(signatureHeader)); auth != "" {
		return auth
	}
	return strings.TrimSpace(r.Header.Get(hmacHeader))
}

// VerifyWebhook implements entitlement.WebhookVerifier. An unset secret or
// an empty credential rejects the payload.
func (p *Provider) VerifyWebhook(ctx context.Context, payload []byte, signature string) (*entitlement.ProviderEvent, error) {
	if len(p.secret) == 0 {
		return nil, fmt.Errorf("%w: revenuecat webhook secret not configured", entitlement.ErrSignatureInvalid)
	}
	if !p.verifyRequest(stripBearer(signature), payload) {
		return nil, fmt.Errorf("%w: revenuecat credential mismatch", entitlement.ErrSignatureInvalid)
	}
	return p.DecodeWebhook(ctx, payload)
}

// verifyRequest verifies the webhook request signature or token
func (p *Provider) verifyRequest(tokenOrSig string, body []byte) bool {
	if strings.TrimSpace(tokenOrSig) == "" {
		return false
	}

	// Primary: token match (RevenueCat common setup)
	if subtle.ConstantTimeCompare([]byte(tokenOrSig), p.secret) == 1 {
		return true
	}

	if !p.acceptHMAC {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(tokenOrSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

// DecodeWebhook implements entitlement.WebhookVerifier
func (p *Provider) DecodeWebhook(_ context.Context, body []byte) (*entitlement.ProviderEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrInvalidPayload, err)
	}
	eventType := strings.ToUpper(strings.TrimSpace(payload.Event.Type))
	if payload.Event.ID == "" || eventType == "" {
		return nil, fmt.Errorf("%w: event id and type are required", entitlement.ErrInvalidPayload)
	}

	source := sourceForStore(payload.Event.Store)
	evt := &entitlement.ProviderEvent{
		ID:         payload.Event.ID,
		Type:       eventType,
		Source:     source,
		OccurredAt: parseEventTimestamp(payload.getEventTimestamp()),
	}
	if evt.OccurredAt.IsZero() {
		return nil, fmt.Errorf("%w: event timestamp is required", entitlement.ErrInvalidPayload)
	}

	if source == "" || !p.grantsPremium(payload.entitlementIDs()...) {
		return evt, nil
	}
	status, ok := p.statusForEvent(&payload)
	if !ok {
		return evt, nil
	}

	evt.State = &entitlement.ProviderState{
		UserID:                 strings.TrimSpace(payload.Event.AppUserID),
		Source:                 source,
		ExternalSubscriptionID: strings.TrimSpace(payload.Event.ProductID),
		Status:                 status,
		CurrentPeriodEnd:       parseEventTimestamp(payload.Event.ExpirationAtMs),
		CancelAtPeriodEnd:      eventType == "CANCELLATION",
		Raw:                    append(json.RawMessage(nil), body...),
	}
	return evt, nil
}

// statusForEvent maps an event type to the lifecycle status it implies.
// TEST and informational events have none.
func (p *Provider) statusForEvent(payload *webhookPayload) (entitlement.Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(payload.Event.Type)) {
	case "INITIAL_PURCHASE", "RENEWAL", "UNCANCELLATION", "PRODUCT_CHANGE", "SUBSCRIPTION_EXTENDED":
		if strings.EqualFold(payload.Event.PeriodType, "trial") {
			return entitlement.StatusTrialing, true
		}
		return entitlement.StatusActive, true
	case "CANCELLATION":
		exp := parseEventTimestamp(payload.Event.ExpirationAtMs)
		if !exp.IsZero() && !p.now().Before(exp) {
			return entitlement.StatusExpired, true
		}
		return entitlement.StatusCanceledPending, true
	case "BILLING_ISSUE":
		return entitlement.StatusPastDue, true
	case "EXPIRATION":
		return entitlement.StatusExpired, true
	default:
		return "", false
	}
}

// parseEventTimestamp converts a millisecond timestamp to time.Time
func parseEventTimestamp(timestampMs int64) time.Time {
	if timestampMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(timestampMs).UTC()
}
