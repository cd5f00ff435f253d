package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// errorStorage is a mock storage that always fails reads
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetSubscriptions(context.Context, string) ([]*entitlement.Subscription, error) {
	return nil, errors.New("connection refused")
}

func seedStorage(t *testing.T) *memory.Storage {
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
					Status:       entitlement.StatusActive,
					LastSyncedAt: now,
				},
				NewRow: true,
			}
		},
	})
	if err != nil {
		t.Fatalf("Failed to seed subscription: %v", err)
	}
	return storage
}

func TestRequirePremium(t *testing.T) {
	storage := seedStorage(t)

	tests := []struct {
		name   string
		store  entitlement.Store
		userID string
		want   int
	}{
		{"premium user", storage, "premium_user", http.StatusOK},
		{"free user", storage, "free_user", http.StatusPaymentRequired},
		{"anonymous", storage, "", http.StatusUnauthorized},
		{"storage failure", &errorStorage{Storage: storage}, "premium_user", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(RequirePremium(Config{
				Checker:   entitlement.NewResolver(tt.store, nil, nil),
				GetUserID: FromHeader("X-User-ID"),
			}))
			app.Get("/premium", func(c *fiber.Ctx) error {
				return c.SendString(c.Locals(UserIDKey).(string))
			})

			req := httptest.NewRequest(http.MethodGet, "/premium", http.NoBody)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, resp.StatusCode)
			}
			if tt.want == http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != tt.userID {
					t.Errorf("Expected user id in locals, got %q", body)
				}
			}
		})
	}
}
