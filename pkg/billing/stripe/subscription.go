package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// expandable decodes a Stripe reference that is either an ID string or an
// expanded object with an "id" field.
type expandable struct {
	ID string
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

type subscriptionItem struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Price            struct {
		ID string `json:"id"`
	} `json:"price"`
}

// subscriptionObject is the part of a Stripe subscription the engine reads.
type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandable        `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	TrialEnd          int64             `json:"trial_end"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`

	raw json.RawMessage
}

func decodeSubscription(raw []byte) (*subscriptionObject, error) {
	var sub subscriptionObject
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", entitlement.ErrInvalidPayload, err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("%w: subscription without id", entitlement.ErrInvalidPayload)
	}
	sub.raw = append(json.RawMessage(nil), raw...)
	return &sub, nil
}

// periodEnd returns the latest item period end. Older API versions carry
// it on the subscription itself.
func (s *subscriptionObject) periodEnd() time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if s.Status == "trialing" && s.TrialEnd > end {
		end = s.TrialEnd
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}

// mapStatus converts a Stripe subscription status to the local lifecycle.
// Unknown statuses map to none so they never grant access.
func mapStatus(status string, cancelAtPeriodEnd bool) entitlement.Status {
	switch status {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return entitlement.StatusCanceledPending
		}
		if status == "trialing" {
			return entitlement.StatusTrialing
		}
		return entitlement.StatusActive
	case "past_due", "unpaid", "paused":
		return entitlement.StatusPastDue
	case "canceled", "incomplete_expired":
		return entitlement.StatusExpired
	default:
		return entitlement.StatusNone
	}
}

// statusRank orders subscriptions of one customer when choosing the one
// that represents the user.
func statusRank(status string) int {
	switch status {
	case "active", "trialing":
		return 3
	case "past_due", "unpaid", "paused":
		return 2
	case "incomplete":
		return 1
	default:
		return 0
	}
}

// pickSubscription chooses the most entitling subscription, newest first
// on equal rank.
func pickSubscription(subs []*subscriptionObject) *subscriptionObject {
	var best *subscriptionObject
	for _, sub := range subs {
		if best == nil {
			best = sub
			continue
		}
		r, br := statusRank(sub.Status), statusRank(best.Status)
		if r > br || (r == br && sub.Created > best.Created) {
			best = sub
		}
	}
	return best
}

func (s *subscriptionObject) state(userID string, status entitlement.Status) *entitlement.ProviderState {
	return &entitlement.ProviderState{
		UserID:                 userID,
		Source:                 entitlement.SourceWeb,
		ExternalSubscriptionID: s.ID,
		Status:                 status,
		CurrentPeriodEnd:       s.periodEnd(),
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		Raw:                    s.raw,
	}
}

func escapeSearch(v string) string {
	return strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `'`, `\'`)
}
