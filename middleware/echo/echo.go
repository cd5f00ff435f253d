// Package echo provides Echo middleware that gates routes on premium access
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// UserIDKey is the echo context key under which the checked user ID is stored
const UserIDKey = "entitlement.user_id"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker answers premium checks (required)
	Checker entitlement.PremiumChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNotPremium is called when the user has no premium access
	// If nil, returns 402 Payment Required
	OnNotPremium func(c echo.Context) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the check itself fails
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

// RequirePremium creates an Echo middleware that only lets premium users through
func RequirePremium(cfg Config) echo.MiddlewareFunc {
	if cfg.Checker == nil {
		panic("goentitle/echo: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			premium, err := cfg.Checker.IsPremium(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "entitlement check failed"})
			}
			if !premium {
				if cfg.OnNotPremium != nil {
					return cfg.OnNotPremium(c)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "premium_required"})
			}

			c.Set(UserIDKey, userID)
			return next(c)
		}
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns an UserIDExtractor that gets user ID from an echo context key
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}
