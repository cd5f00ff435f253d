// Package gin provides Gin middleware that gates routes on premium access
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// UserIDKey is the gin context key under which the checked user ID is stored
const UserIDKey = "entitlement.user_id"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker answers premium checks (required)
	Checker entitlement.PremiumChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// NotPremiumStatusCode is returned when the user has no premium access
	// Default: 402 (Payment Required)
	NotPremiumStatusCode int

	// OnNotPremium is called when the user has no premium access
	OnNotPremium func(c *gongin.Context)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the check itself fails
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// RequirePremium creates a Gin middleware that only lets premium users through
func RequirePremium(cfg Config) gongin.HandlerFunc {
	if cfg.Checker == nil {
		panic("goentitle/gin: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/gin: Config.GetUserID is required")
	}
	if cfg.NotPremiumStatusCode == 0 {
		cfg.NotPremiumStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		premium, err := cfg.Checker.IsPremium(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "entitlement check failed"})
			}
			c.Abort()
			return
		}
		if !premium {
			if cfg.OnNotPremium != nil {
				cfg.OnNotPremium(c)
			} else {
				c.JSON(cfg.NotPremiumStatusCode, gongin.H{"error": "premium_required"})
			}
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns an UserIDExtractor that gets user ID from a gin context key
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
