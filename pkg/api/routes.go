package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Routes returns a router serving every configured endpoint:
//
//	POST   /webhooks/{source}
//	GET    /v1/entitlements
//	POST   /v1/entitlements/sync
//	POST   /v1/checkout
//	POST   /v1/portal
//	*      /v1/admin/discount-codes[/{code}[/activate|/deactivate|/refresh]]
//	POST   /v1/admin/webhook-events/{source}/{id}/replay
//
// Routes whose dependency is not configured are not mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if len(h.config.Webhooks) > 0 {
		r.Post("/webhooks/{source}", h.Webhook)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/entitlements", h.GetEntitlements)
		if h.config.Syncer != nil {
			r.Post("/entitlements/sync", h.SyncEntitlements)
		}
		if h.config.Checkout != nil {
			r.Post("/checkout", h.CreateCheckout)
			r.Post("/portal", h.CreatePortal)
		}

		if h.config.IsAdmin == nil {
			return
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			if h.config.Discounts != nil {
				r.Route("/discount-codes", func(r chi.Router) {
					r.Get("/", h.ListDiscountCodes)
					r.Post("/", h.CreateDiscountCode)
					r.Get("/{code}", h.GetDiscountCode)
					r.Patch("/{code}", h.UpdateDiscountCode)
					r.Delete("/{code}", h.DeleteDiscountCode)
					r.Post("/{code}/activate", h.ActivateDiscountCode)
					r.Post("/{code}/deactivate", h.DeactivateDiscountCode)
					r.Post("/{code}/refresh", h.RefreshDiscountCode)
				})
			}
			if h.config.Replayer != nil {
				r.Post("/webhook-events/{source}/{id}/replay", h.ReplayWebhookEvent)
			}
		})
	})
	return r
}

// Webhook dispatches POST /webhooks/{source} to the source's handler
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	handler, ok := h.config.Webhooks[entitlement.Source(chi.URLParam(r, "source"))]
	if !ok {
		http.NotFound(w, r)
		return
	}
	handler.ServeHTTP(w, r)
}
