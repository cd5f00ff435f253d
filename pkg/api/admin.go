package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// ListDiscountCodes handles GET /v1/admin/discount-codes
func (h *Handler) ListDiscountCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.config.Discounts.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	out := make([]DiscountCodeResponse, 0, len(codes))
	for _, d := range codes {
		out = append(out, discountResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDiscountCode handles GET /v1/admin/discount-codes/{code}
func (h *Handler) GetDiscountCode(w http.ResponseWriter, r *http.Request) {
	d, err := h.config.Discounts.Get(r.Context(), chi.URLParam(r, "code"))
	h.writeDiscount(w, r, http.StatusOK, d, err)
}

// CreateDiscountCode handles POST /v1/admin/discount-codes. The remote
// coupon is created asynchronously, so the response is 202.
func (h *Handler) CreateDiscountCode(w http.ResponseWriter, r *http.Request) {
	var req DiscountCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.config.Discounts.Create(r.Context(), req.toDiscountCode())
	h.writeDiscount(w, r, http.StatusAccepted, d, err)
}

// UpdateDiscountCode handles PATCH /v1/admin/discount-codes/{code}
func (h *Handler) UpdateDiscountCode(w http.ResponseWriter, r *http.Request) {
	var req DiscountCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	code := chi.URLParam(r, "code")
	d, err := h.config.Discounts.Update(r.Context(), code, req.toUpdate())
	if err == nil && req.IsActive != nil {
		if *req.IsActive {
			d, err = h.config.Discounts.Activate(r.Context(), code)
		} else {
			d, err = h.config.Discounts.Deactivate(r.Context(), code)
		}
	}
	h.writeDiscount(w, r, http.StatusOK, d, err)
}

// DeleteDiscountCode handles DELETE /v1/admin/discount-codes/{code}
func (h *Handler) DeleteDiscountCode(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Discounts.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateDiscountCode handles POST /v1/admin/discount-codes/{code}/activate
func (h *Handler) ActivateDiscountCode(w http.ResponseWriter, r *http.Request) {
	d, err := h.config.Discounts.Activate(r.Context(), chi.URLParam(r, "code"))
	h.writeDiscount(w, r, http.StatusOK, d, err)
}

// DeactivateDiscountCode handles POST /v1/admin/discount-codes/{code}/deactivate
func (h *Handler) DeactivateDiscountCode(w http.ResponseWriter, r *http.Request) {
	d, err := h.config.Discounts.Deactivate(r.Context(), chi.URLParam(r, "code"))
	h.writeDiscount(w, r, http.StatusOK, d, err)
}

// RefreshDiscountCode handles POST /v1/admin/discount-codes/{code}/refresh.
// It reads redemption usage from the provider synchronously.
func (h *Handler) RefreshDiscountCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := h.config.Discounts.RefreshUsage(r.Context(), code); err != nil {
		h.handleError(w, r, err)
		return
	}
	d, err := h.config.Discounts.Get(r.Context(), code)
	h.writeDiscount(w, r, http.StatusOK, d, err)
}

// ReplayWebhookEvent handles POST /v1/admin/webhook-events/{source}/{id}/replay
func (h *Handler) ReplayWebhookEvent(w http.ResponseWriter, r *http.Request) {
	source := entitlement.Source(chi.URLParam(r, "source"))
	if !source.Valid() {
		http.NotFound(w, r)
		return
	}
	res, err := h.config.Replayer.Replay(r.Context(), source, chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReplayResponse{Outcome: res.Outcome, EventID: res.EventID, Reason: res.Reason})
}

func (h *Handler) writeDiscount(w http.ResponseWriter, r *http.Request, status int, d *entitlement.DiscountCode, err error) {
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, status, discountResponse(d))
}

// requireAdmin rejects requests IsAdmin does not authorize
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.config.IsAdmin(r) {
			h.handleError(w, r, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
