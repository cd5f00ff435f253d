package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	defaultWebhookBodyLimit  = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 300
)

// Ingestor is the part of entitlement.Ingestor the webhook endpoint needs.
type Ingestor interface {
	Ingest(ctx context.Context, source entitlement.Source, payload []byte, signature string) (*entitlement.IngestResult, error)
}

// WebhookHandlerConfig configures the delivery endpoint of one source.
type WebhookHandlerConfig struct {
	Source   entitlement.Source
	Provider Provider
	Ingestor Ingestor

	// BodyLimit caps the payload size (default 256 KiB).
	BodyLimit int64

	// RateLimit is requests per minute per client IP (default 300, <0 disables).
	RateLimit int

	Metrics Metrics
	Logger  entitlement.Logger
}

// WebhookResponse is the JSON body returned to the provider.
type WebhookResponse struct {
	Outcome entitlement.Outcome `json:"outcome,omitempty"`
	EventID string              `json:"event_id,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// NewWebhookHandler returns the HTTP endpoint for provider deliveries. It
// acknowledges every authenticated payload that reached a final outcome with
// 200 and asks for redelivery with 5xx otherwise.
func NewWebhookHandler(config WebhookHandlerConfig) (http.Handler, error) {
	if config.Provider == nil || config.Ingestor == nil {
		return nil, notConfigured(config.Source)
	}
	if !config.Source.Valid() {
		return nil, notConfigured(config.Source)
	}
	if config.BodyLimit <= 0 {
		config.BodyLimit = defaultWebhookBodyLimit
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	h := &webhookHandler{config: config, metrics: metrics, logger: logger}

	var handler http.Handler = h
	if config.RateLimit >= 0 {
		limit := config.RateLimit
		if limit == 0 {
			limit = defaultRateLimitRequests
		}
		handler = internal.NewRateLimiter(limit, defaultRateLimitWindow).Middleware(handler)
	}
	return handler, nil
}

func notConfigured(source entitlement.Source) error {
	return &sourceError{source: source, err: entitlement.ErrProviderNotConfigured}
}

type sourceError struct {
	source entitlement.Source
	err    error
}

func (e *sourceError) Error() string { return e.err.Error() + ": " + string(e.source) }
func (e *sourceError) Unwrap() error { return e.err }

type webhookHandler struct {
	config  WebhookHandlerConfig
	metrics Metrics
	logger  entitlement.Logger
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := h.config.Provider.Name()

	if r.Method != http.MethodPost {
		_ = internal.WriteJSON(w, http.StatusMethodNotAllowed, WebhookResponse{Error: "method not allowed"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.BodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(name, "payload_too_large")
			_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, WebhookResponse{Error: "payload too large"})
			return
		}
		h.metrics.RecordWebhookError(name, "invalid_payload")
		_ = internal.WriteJSON(w, http.StatusBadRequest, WebhookResponse{Error: "invalid payload"})
		return
	}

	signature := r.Header.Get(h.config.Provider.SignatureHeader())
	if x, ok := h.config.Provider.(SignatureExtractor); ok {
		signature = x.ExtractSignature(r)
	}
	res, err := h.config.Ingestor.Ingest(r.Context(), h.config.Source, body, signature)
	if err != nil {
		status, errorType := webhookStatus(err)
		h.metrics.RecordWebhookError(name, errorType)
		if status >= 500 {
			h.logger.Error("webhook delivery not acknowledged",
				entitlement.F("provider", name),
				entitlement.F("source", string(h.config.Source)),
				entitlement.F("error", err.Error()))
		}
		_ = internal.WriteJSON(w, status, WebhookResponse{Error: errorType})
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, WebhookResponse{Outcome: res.Outcome, EventID: res.EventID})
}

// webhookStatus maps an ingestion error to the response status. Only
// local or transient failures ask the provider to redeliver.
func webhookStatus(err error) (int, string) {
	switch {
	case errors.Is(err, entitlement.ErrSignatureInvalid):
		return http.StatusUnauthorized, "auth_failed"
	case errors.Is(err, entitlement.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, entitlement.ErrProviderNotConfigured):
		return http.StatusNotFound, "not_configured"
	case errors.Is(err, entitlement.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	default:
		return http.StatusInternalServerError, "processing_error"
	}
}
