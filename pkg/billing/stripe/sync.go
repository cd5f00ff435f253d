package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// FetchSubscription implements entitlement.ProviderClient. It resolves the
// user's customer, lists every subscription and reports the most entitling
// one, observed at the time of the call. The observation time is floored to
// the second so it compares with webhook created timestamps at their own
// resolution.
func (p *Provider) FetchSubscription(
	ctx context.Context, userID string, source entitlement.Source,
) (*entitlement.ProviderState, error) {
	if source != entitlement.SourceWeb {
		return nil, fmt.Errorf("%w: stripe does not serve %s", entitlement.ErrConfiguration, source)
	}
	observedAt := time.Now().UTC().Truncate(time.Second)

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlement.ErrNotFound) {
			return nil, fmt.Errorf("stripe customer for %s: %w", userID, entitlement.ErrNotFound)
		}
		return nil, err
	}

	subs, err := p.api.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}
	sub := pickSubscription(subs)
	if sub == nil {
		return nil, fmt.Errorf("stripe subscription for %s: %w", userID, entitlement.ErrNotFound)
	}

	state := sub.state(userID, mapStatus(sub.Status, sub.CancelAtPeriodEnd))
	state.ObservedAt = observedAt
	return state, nil
}
