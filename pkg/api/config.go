package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// SummaryReader reads the derived entitlement of a user from local state.
type SummaryReader interface {
	Summary(ctx context.Context, userID string) (*entitlement.Summary, error)
}

// Syncer pulls provider state for every configured source.
type Syncer interface {
	SyncAll(ctx context.Context, userID string) ([]*entitlement.SyncResult, error)
}

// DiscountAdmin manages discount codes.
type DiscountAdmin interface {
	Create(ctx context.Context, in *entitlement.DiscountCode) (*entitlement.DiscountCode, error)
	Update(ctx context.Context, code string, upd entitlement.DiscountUpdate) (*entitlement.DiscountCode, error)
	Activate(ctx context.Context, code string) (*entitlement.DiscountCode, error)
	Deactivate(ctx context.Context, code string) (*entitlement.DiscountCode, error)
	Delete(ctx context.Context, code string) error
	Get(ctx context.Context, code string) (*entitlement.DiscountCode, error)
	List(ctx context.Context) ([]*entitlement.DiscountCode, error)
	RefreshUsage(ctx context.Context, code string) (int, error)
}

// Checkout creates hosted billing pages.
type Checkout interface {
	CheckoutURL(ctx context.Context, userID, plan, successURL, cancelURL string) (string, error)
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
}

// Replayer reprocesses webhook events that ended in failure.
type Replayer interface {
	Replay(ctx context.Context, source entitlement.Source, externalEventID string) (*entitlement.IngestResult, error)
}

// Config holds configuration for the entitlement API handler
type Config struct {
	// Resolver serves GET /v1/entitlements (required)
	Resolver SummaryReader

	// GetUserID extracts the authenticated user ID from the request (required)
	GetUserID func(*http.Request) string

	// Syncer serves POST /v1/entitlements/sync. Optional.
	Syncer Syncer

	// Webhooks maps each source to its delivery endpoint. Optional.
	Webhooks map[entitlement.Source]http.Handler

	// Checkout serves the checkout and portal routes. Optional.
	Checkout Checkout

	// Discounts and Replayer serve the admin routes behind IsAdmin.
	Discounts DiscountAdmin
	Replayer  Replayer

	// IsAdmin authorizes admin routes. Admin routes are not mounted
	// without it.
	IsAdmin func(*http.Request) bool

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Resolver == nil {
		return fmt.Errorf("resolver is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if (c.Discounts != nil || c.Replayer != nil) && c.IsAdmin == nil {
		return fmt.Errorf("isAdmin is required for admin routes")
	}
	for src, h := range c.Webhooks {
		if !src.Valid() {
			return fmt.Errorf("unknown webhook source %q", src)
		}
		if h == nil {
			return fmt.Errorf("nil webhook handler for %s", src)
		}
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// BearerToken returns an IsAdmin function that accepts one static token
func BearerToken(token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return token != "" && constantTimeEqual(r.Header.Get("Authorization"), "Bearer "+token)
	}
}
