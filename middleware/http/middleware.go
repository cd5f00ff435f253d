// Package http provides HTTP middleware that gates handlers on premium access
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Checker answers premium checks (required)
	Checker entitlement.PremiumChecker

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnNotPremium is called when the user has no premium access
	// If nil, returns 402 Payment Required
	OnNotPremium func(w http.ResponseWriter, r *http.Request)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the check itself fails
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequirePremium creates an HTTP middleware that only lets premium users through
func RequirePremium(config Config) func(http.Handler) http.Handler {
	if config.Checker == nil {
		panic("goentitle/http: Config.Checker is required")
	}
	if config.GetUserID == nil {
		panic("goentitle/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "unauthorized")
				}
				return
			}

			premium, err := config.Checker.IsPremium(r.Context(), userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusServiceUnavailable, "entitlement check failed")
				}
				return
			}
			if !premium {
				if config.OnNotPremium != nil {
					config.OnNotPremium(w, r)
				} else {
					writeError(w, http.StatusPaymentRequired, "premium_required")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// HandlerFunc is RequirePremium for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequirePremium(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitlement:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
