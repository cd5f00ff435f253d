package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// eventEnvelope is the part of a Stripe event the decoder reads.
type eventEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Subscription      expandable        `json:"subscription"`
	Customer          expandable        `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// VerifyWebhook implements entitlement.WebhookVerifier. It fails closed: an
// unset secret, a missing header or any verification error rejects the
// payload.
func (p *Provider) VerifyWebhook(ctx context.Context, payload []byte, signature string) (*entitlement.ProviderEvent, error) {
	if p.webhookSecret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret not configured", entitlement.ErrSignatureInvalid)
	}
	if strings.TrimSpace(signature) == "" {
		return nil, fmt.Errorf("%w: missing %s header", entitlement.ErrSignatureInvalid, signatureHeader)
	}
	if _, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrSignatureInvalid, err)
	}
	return p.DecodeWebhook(ctx, payload)
}

// DecodeWebhook implements entitlement.WebhookVerifier
func (p *Provider) DecodeWebhook(ctx context.Context, payload []byte) (*entitlement.ProviderEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrInvalidPayload, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", entitlement.ErrInvalidPayload)
	}

	evt := &entitlement.ProviderEvent{
		ID:         env.ID,
		Type:       env.Type,
		Source:     entitlement.SourceWeb,
		OccurredAt: time.Unix(env.Created, 0).UTC(),
	}

	switch env.Type {
	case eventCheckoutCompleted:
		return p.decodeCheckout(evt, env.Data.Object)
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted:
		return p.decodeSubscriptionEvent(ctx, evt, env.Data.Object)
	default:
		// No entitlement meaning
		return evt, nil
	}
}

// decodeCheckout turns a completed subscription checkout into a partial
// active state. The follow-up sync fills in period end and trial status.
func (p *Provider) decodeCheckout(evt *entitlement.ProviderEvent, raw json.RawMessage) (*entitlement.ProviderEvent, error) {
	var session checkoutSessionObject
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", entitlement.ErrInvalidPayload, err)
	}
	if session.Mode != "subscription" || session.Subscription.ID == "" {
		return evt, nil
	}

	userID := session.Metadata[userIDMetadata]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	evt.State = &entitlement.ProviderState{
		UserID:                 userID,
		Source:                 entitlement.SourceWeb,
		ExternalSubscriptionID: session.Subscription.ID,
		Status:                 entitlement.StatusActive,
		Raw:                    append(json.RawMessage(nil), raw...),
	}
	evt.NeedsSync = true
	return evt, nil
}

func (p *Provider) decodeSubscriptionEvent(
	ctx context.Context, evt *entitlement.ProviderEvent, raw json.RawMessage,
) (*entitlement.ProviderEvent, error) {
	sub, err := decodeSubscription(raw)
	if err != nil {
		return nil, err
	}

	userID, err := p.userIDForSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		evt.CustomerID = sub.Customer.ID
	}

	status := mapStatus(sub.Status, sub.CancelAtPeriodEnd)
	if evt.Type == eventSubscriptionDeleted {
		status = entitlement.StatusExpired
	}
	evt.State = sub.state(userID, status)
	return evt, nil
}

// userIDForSubscription reads metadata.user_id from the subscription, then
// asks UserIDResolver. It makes no API call; customers without a known
// user are resolved later through UserIDForCustomer.
func (p *Provider) userIDForSubscription(ctx context.Context, sub *subscriptionObject) (string, error) {
	if userID := sub.Metadata[userIDMetadata]; userID != "" {
		return userID, nil
	}
	if sub.Customer.ID == "" || p.config.UserIDResolver == nil {
		return "", nil
	}
	userID, err := p.config.UserIDResolver(ctx, sub.Customer.ID)
	if err != nil && !errors.Is(err, entitlement.ErrNotFound) {
		return "", err
	}
	return userID, nil
}

// UserIDForCustomer implements entitlement.CustomerLookup. It reads
// metadata.user_id from the customer, then asks UserIDResolver.
func (p *Provider) UserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	userID, err := p.api.CustomerUserID(ctx, customerID)
	switch {
	case err == nil && userID != "":
		return userID, nil
	case err != nil && !errors.Is(err, entitlement.ErrNotFound):
		return "", err
	}

	if p.config.UserIDResolver != nil {
		userID, err := p.config.UserIDResolver(ctx, customerID)
		if err != nil && !errors.Is(err, entitlement.ErrNotFound) {
			return "", err
		}
		if userID != "" {
			return userID, nil
		}
	}
	p.logger.Warn("no user for stripe customer", entitlement.F("customer_id", customerID))
	return "", fmt.Errorf("%w: customer %s has no user", entitlement.ErrNotFound, customerID)
}
