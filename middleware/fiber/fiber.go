// Package fiber provides Fiber middleware that gates routes on premium access
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// UserIDKey is the fiber locals key under which the checked user ID is stored
const UserIDKey = "entitlement.user_id"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Checker answers premium checks (required)
	Checker entitlement.PremiumChecker

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnNotPremium is called when the user has no premium access
	// If nil, returns 402 Payment Required
	OnNotPremium func(c *fiber.Ctx) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the check itself fails
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// RequirePremium creates a Fiber middleware that only lets premium users through
func RequirePremium(cfg Config) fiber.Handler {
	if cfg.Checker == nil {
		panic("goentitle/fiber: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		premium, err := cfg.Checker.IsPremium(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "entitlement check failed"})
		}
		if !premium {
			if cfg.OnNotPremium != nil {
				return cfg.OnNotPremium(c)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "premium_required"})
		}

		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns an UserIDExtractor that gets user ID from fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}
