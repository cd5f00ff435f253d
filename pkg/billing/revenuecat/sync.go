package revenuecat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	subscribersEndpoint = "/subscribers/{id}"
	maxResponseBytes    = 1 << 20
)

// revenueCatSubscriberResponse represents the RevenueCat API subscriber response
type revenueCatSubscriberResponse struct {
	Subscriber revenueCatSubscriber `json:"subscriber"`
}

type revenueCatSubscriber struct {
	Entitlements  map[string]revenueCatEntitlement  `json:"entitlements"`
	Subscriptions map[string]revenueCatSubscription `json:"subscriptions"`
}

type revenueCatEntitlement struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
	PurchaseDate      *string `json:"purchase_date"`
}

type revenueCatSubscription struct {
	ExpiresDate             *string `json:"expires_date"`
	PurchaseDate            *string `json:"purchase_date"`
	PeriodType              string  `json:"period_type"`
	Store                   string  `json:"store"`
	UnsubscribeDetectedAt   *string `json:"unsubscribe_detected_at"`
	BillingIssuesDetectedAt *string `json:"billing_issues_detected_at"`
	GracePeriodExpiresDate  *string `json:"grace_period_expires_date"`
	RefundedAt              *string `json:"refunded_at"`
}

// candidate is one subscriber subscription interpreted at a point in time.
type candidate struct {
	productID string
	status    entitlement.Status
	expiresAt time.Time
	cancel    bool
	raw       json.RawMessage
}

// FetchSubscription implements entitlement.ProviderClient. It reads the
// subscriber and reports the most entitling subscription bought on source.
func (p *Provider) FetchSubscription(
	ctx context.Context, userID string, source entitlement.Source,
) (*entitlement.ProviderState, error) {
	if source != entitlement.SourceAppStore && source != entitlement.SourcePlayStore {
		return nil, fmt.Errorf("%w: revenuecat does not serve %s", entitlement.ErrConfiguration, source)
	}
	if p.apiKey == "" {
		return nil, billing.NotConfigured(providerName, "api key not configured")
	}
	// Webhook timestamps carry milliseconds only.
	observedAt := p.now().Truncate(time.Millisecond)

	subscriber, err := p.getSubscriber(ctx, userID)
	if err != nil {
		return nil, err
	}

	best := p.pickCandidate(subscriber, source, observedAt)
	if best == nil {
		return nil, fmt.Errorf("revenuecat %s subscription for %s: %w", source, userID, entitlement.ErrNotFound)
	}
	return &entitlement.ProviderState{
		UserID:                 userID,
		Source:                 source,
		ExternalSubscriptionID: best.productID,
		Status:                 best.status,
		CurrentPeriodEnd:       best.expiresAt,
		CancelAtPeriodEnd:      best.cancel,
		ObservedAt:             observedAt,
		Raw:                    best.raw,
	}, nil
}

func (p *Provider) getSubscriber(ctx context.Context, userID string) (sub *revenueCatSubscriber, err error) {
	start := time.Now()
	status := "error"
	defer func() {
		p.metrics.RecordAPICall(providerName, subscribersEndpoint, status)
		p.metrics.RecordAPICallDuration(providerName, subscribersEndpoint, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout())
	defer cancel()

	endpoint := fmt.Sprintf("%s/subscribers/%s", p.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, billing.ClassifyTransportError(providerName, err)
	}
	defer res.Body.Close()
	status = strconv.Itoa(res.StatusCode)

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, billing.ClassifyTransportError(providerName, err)
	}
	if err := billing.ClassifyStatus(providerName, subscribersEndpoint, res.StatusCode); err != nil {
		return nil, err
	}

	var payload revenueCatSubscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: revenuecat subscriber response: %v", entitlement.ErrProviderUnavailable, err)
	}
	return &payload.Subscriber, nil
}

// pickCandidate interprets every subscription bought on source and returns
// the most entitling one, the latest expiry winning ties.
func (p *Provider) pickCandidate(s *revenueCatSubscriber, source entitlement.Source, now time.Time) *candidate {
	allowed := p.allowedProducts(s)

	var best *candidate
	for productID, sub := range s.Subscriptions {
		if sourceForStore(sub.Store) != source {
			continue
		}
		if allowed != nil && !allowed[productID] {
			continue
		}
		c := interpret(productID, sub, now)
		if best == nil || better(c, best) {
			best = c
		}
	}
	return best
}

// allowedProducts returns the products behind the configured entitlements,
// or nil when every product counts.
func (p *Provider) allowedProducts(s *revenueCatSubscriber) map[string]bool {
	if len(p.entitlements) == 0 {
		return nil
	}
	allowed := make(map[string]bool)
	for id, ent := range s.Entitlements {
		if p.entitlements[strings.ToLower(id)] && ent.ProductIdentifier != "" {
			allowed[ent.ProductIdentifier] = true
		}
	}
	return allowed
}

func interpret(productID string, sub revenueCatSubscription, now time.Time) *candidate {
	c := &candidate{productID: productID}
	c.expiresAt, _ = parseOptionalTime(sub.ExpiresDate)
	grace, _ := parseOptionalTime(sub.GracePeriodExpiresDate)
	if raw, err := json.Marshal(sub); err == nil {
		c.raw = raw
	}

	switch {
	case present(sub.RefundedAt):
		c.status = entitlement.StatusExpired
	case !c.expiresAt.IsZero() && !now.Before(c.expiresAt):
		if grace.After(now) {
			c.status = entitlement.StatusPastDue
		} else {
			c.status = entitlement.StatusExpired
		}
	case present(sub.BillingIssuesDetectedAt):
		c.status = entitlement.StatusPastDue
	case present(sub.UnsubscribeDetectedAt):
		c.status = entitlement.StatusCanceledPending
		c.cancel = true
	case strings.EqualFold(sub.PeriodType, "trial"):
		c.status = entitlement.StatusTrialing
	default:
		c.status = entitlement.StatusActive
	}
	return c
}

func better(a, b *candidate) bool {
	ra, rb := rank(a.status), rank(b.status)
	if ra != rb {
		return ra > rb
	}
	if !a.expiresAt.Equal(b.expiresAt) {
		return a.expiresAt.After(b.expiresAt)
	}
	return a.productID < b.productID
}

func rank(s entitlement.Status) int {
	switch s {
	case entitlement.StatusActive, entitlement.StatusTrialing:
		return 3
	case entitlement.StatusCanceledPending:
		return 2
	case entitlement.StatusPastDue:
		return 1
	default:
		return 0
	}
}

func present(v *string) bool {
	return v != nil && strings.TrimSpace(*v) != ""
}

func parseOptionalTime(v *string) (time.Time, error) {
	if !present(v) {
		return time.Time{}, nil
	}
	return parseRevenueCatTime(*v)
}

// parseRevenueCatTime parses a RevenueCat timestamp string
func parseRevenueCatTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	// Try RFC3339Nano first (RevenueCat often uses this)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}
