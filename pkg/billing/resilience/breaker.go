// Package resilience guards provider calls with a circuit breaker per
// payment source, so a provider outage fails fast instead of tying up
// request handlers and workers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Config configures the breakers.
type Config struct {
	// MaxRequests is the maximum number of requests allowed in half-open state.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state.
	Interval time.Duration

	// Timeout is the period of the open state.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive retryable failures
	// that opens the breaker.
	FailureThreshold uint32

	// OnStateChange is called after a breaker changes state. Optional.
	OnStateChange func(source entitlement.Source, from, to string)

	Logger entitlement.Logger
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Client wraps an entitlement.ProviderClient with one breaker per source.
// Only retryable failures count against a breaker; not-found and
// configuration errors are answers, not outages.
type Client struct {
	next   entitlement.ProviderClient
	config Config
	logger entitlement.Logger

	mu       sync.Mutex
	breakers map[entitlement.Source]*gobreaker.CircuitBreaker[*entitlement.ProviderState]
}

// New wraps next.
func New(next entitlement.ProviderClient, config Config) (*Client, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: provider client is required", entitlement.ErrConfiguration)
	}
	def := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &Client{
		next:     next,
		config:   config,
		logger:   logger,
		breakers: make(map[entitlement.Source]*gobreaker.CircuitBreaker[*entitlement.ProviderState]),
	}, nil
}

func (c *Client) breaker(source entitlement.Source) *gobreaker.CircuitBreaker[*entitlement.ProviderState] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[source]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[*entitlement.ProviderState](gobreaker.Settings{
		Name:        string(source),
		MaxRequests: c.config.MaxRequests,
		Interval:    c.config.Interval,
		Timeout:     c.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.config.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !entitlement.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				entitlement.F("source", name),
				entitlement.F("from", from.String()),
				entitlement.F("to", to.String()))
			if c.config.OnStateChange != nil {
				c.config.OnStateChange(entitlement.Source(name), from.String(), to.String())
			}
		},
	})
	c.breakers[source] = b
	return b
}

// FetchSubscription implements entitlement.ProviderClient
func (c *Client) FetchSubscription(
	ctx context.Context, userID string, source entitlement.Source,
) (*entitlement.ProviderState, error) {
	state, err := c.breaker(source).Execute(func() (*entitlement.ProviderState, error) {
		return c.next.FetchSubscription(ctx, userID, source)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s circuit %v", entitlement.ErrProviderUnavailable, source, err)
	}
	return state, err
}

// UserIDForCustomer implements entitlement.CustomerLookup by delegating to
// the wrapped client. Lookups are not counted by the breakers.
func (c *Client) UserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	lookup, ok := c.next.(entitlement.CustomerLookup)
	if !ok {
		return "", fmt.Errorf("%w: provider cannot resolve customers", entitlement.ErrProviderNotConfigured)
	}
	return lookup.UserIDForCustomer(ctx, customerID)
}

// State returns the breaker state name for source ("closed" when unused).
func (c *Client) State(source entitlement.Source) string {
	c.mu.Lock()
	b, ok := c.breakers[source]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return b.State().String()
}

var _ entitlement.ProviderClient = (*Client)(nil)
var _ entitlement.CustomerLookup = (*Client)(nil)
