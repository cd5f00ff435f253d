package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// Test helper to create a resolver with one premium user
func setupTestResolver(t *testing.T) *entitlement.Resolver {
	t.Helper()

	storage := memory.New()
	now := time.Now().UTC()
	_, err := storage.Apply(context.Background(), &entitlement.ApplyRequest{
		UserID: "premium_user",
		Source: entitlement.SourceWeb,
		Now:    now,
		Decide: func(*entitlement.Subscription) entitlement.Decision {
			return entitlement.Decision{
				Outcome: entitlement.OutcomeApplied,
				Write: &entitlement.Subscription{
					Status:           entitlement.StatusActive,
					CurrentPeriodEnd: now.Add(30 * 24 * time.Hour),
					LastSyncedAt:     now,
				},
				NewRow: true,
			}
		},
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
	return entitlement.NewResolver(storage, nil, nil)
}

type failingChecker struct{}

func (failingChecker) IsPremium(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Context().Value(UserIDKey) == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequirePremium(t *testing.T) {
	resolver := setupTestResolver(t)

	tests := []struct {
		name    string
		checker entitlement.PremiumChecker
		userID  string
		want    int
	}{
		{"premium user", resolver, "premium_user", http.StatusOK},
		{"free user", resolver, "free_user", http.StatusPaymentRequired},
		{"anonymous", resolver, "", http.StatusUnauthorized},
		{"checker failure", failingChecker{}, "premium_user", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequirePremium(Config{
				Checker:   tt.checker,
				GetUserID: FromHeader("X-User-ID"),
			})(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/premium", http.NoBody)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestRequirePremium_CustomHandlers(t *testing.T) {
	resolver := setupTestResolver(t)
	called := false

	handler := HandlerFunc(Config{
		Checker:   resolver,
		GetUserID: FromContext(UserIDKey),
		OnNotPremium: func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusForbidden)
		},
	})(okHandler().ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/premium", http.NoBody)
	req = req.WithContext(WithUserID(req.Context(), "free_user"))
	w := httptest.NewRecorder()
	handler(w, req)

	if !called || w.Code != http.StatusForbidden {
		t.Errorf("Expected custom handler with 403, got called=%v status=%d", called, w.Code)
	}
}

func TestRequirePremium_PanicsWithoutChecker(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic without checker")
		}
	}()
	RequirePremium(Config{GetUserID: FromHeader("X-User-ID")})
}
