package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const maxRequestBytes = 64 << 10

// Handler provides HTTP handlers for the entitlement API
type Handler struct {
	config Config
}

// GetEntitlements handles GET /v1/entitlements. The answer comes from
// local state only.
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	summary, err := h.config.Resolver.Summary(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to resolve entitlement: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, toEntitlementResponse(summary, nil))
}

// SyncEntitlements handles POST /v1/entitlements/sync. It pulls every
// configured source, then answers from the merged local state. When any
// source is unavailable the response is 503 with the last known state.
func (h *Handler) SyncEntitlements(w http.ResponseWriter, r *http.Request) {
	if h.config.Syncer == nil {
		http.Error(w, "sync not configured", http.StatusNotImplemented)
		return
	}
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	results, err := h.config.Syncer.SyncAll(r.Context(), userID)
	if err != nil && len(results) == 0 {
		h.handleError(w, r, err)
		return
	}

	summary, sumErr := h.config.Resolver.Summary(r.Context(), userID)
	if sumErr != nil {
		h.handleError(w, r, fmt.Errorf("failed to resolve entitlement: %w", sumErr))
		return
	}

	status := http.StatusOK
	statuses := make([]SyncStatus, 0, len(results))
	for _, res := range results {
		s := SyncStatus{Source: res.Source, Found: res.Found, Outcome: res.Outcome}
		if res.Err != nil {
			s.Error = res.Err.Error()
			if entitlement.IsRetryable(res.Err) {
				status = http.StatusServiceUnavailable
			}
			h.config.Logger.Warn("entitlement sync failed",
				entitlement.F("user_id", userID),
				entitlement.F("source", string(res.Source)),
				entitlement.F("error", res.Err),
			)
		}
		statuses = append(statuses, s)
	}
	writeJSON(w, status, toEntitlementResponse(summary, statuses))
}

// CreateCheckout handles POST /v1/checkout
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if h.config.Checkout == nil {
		http.Error(w, "checkout not configured", http.StatusNotImplemented)
		return
	}
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	url, err := h.config.Checkout.CheckoutURL(r.Context(), userID, req.Plan, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CreatePortal handles POST /v1/portal
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	if h.config.Checkout == nil {
		http.Error(w, "checkout not configured", http.StatusNotImplemented)
		return
	}
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req PortalRequest
	if !h.decode(w, r, &req) {
		return
	}

	url, err := h.config.Checkout.PortalURL(r.Context(), userID, req.ReturnURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUnauthorized)
		return "", false
	}
	return userID, true
}

// decode reads a JSON body. Unknown fields are rejected.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, r, fmt.Errorf("%w: invalid request body: %v", entitlement.ErrConfiguration, err))
		return false
	}
	return true
}

var errUnauthorized = errors.New("unauthorized")

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, entitlement.ErrConfiguration), errors.Is(err, entitlement.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, entitlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, entitlement.ErrDiscountCodeExists),
		errors.Is(err, entitlement.ErrDiscountCodeInUse),
		errors.Is(err, entitlement.ErrNotReplayable):
		return http.StatusConflict
	case errors.Is(err, entitlement.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, entitlement.ErrProviderNotConfigured):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors using the configured error handler or default behavior
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			entitlement.F("method", r.Method),
			entitlement.F("path", r.URL.Path),
			entitlement.F("error", err),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toEntitlementResponse(s *entitlement.Summary, sync []SyncStatus) EntitlementResponse {
	sources := s.Sources
	if sources == nil {
		sources = []entitlement.SourceSummary{}
	}
	return EntitlementResponse{
		UserID:  s.UserID,
		Premium: s.Premium,
		Sources: sources,
		Sync:    sync,
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
