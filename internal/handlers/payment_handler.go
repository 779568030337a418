package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"festival-booking/internal/services"
	"festival-booking/internal/services/bank/jdb"
	"festival-booking/internal/status"
	"festival-booking/models"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

const (
	SignatureHeader = "X-Signature"

	maxWebhookBody = 1 << 20
)

// Settlements applies provider notifications.
type Settlements interface {
	ApplySettlement(ctx context.Context, s *status.Settlement, source string) (*models.Reservation, error)
}

// Simulator pushes a settlement through the provider's notification path.
type Simulator interface {
	Simulate(ctx context.Context, s *status.Settlement) error
}

type PaymentHandler struct {
	settlements Settlements
	secret      []byte
	simulator   Simulator
	log         *slog.Logger
}

// NewPaymentHandler builds the payment endpoints. simulator may be nil, in
// which case simulated settlements are applied directly.
func NewPaymentHandler(settlements Settlements, webhookSecret string, simulator Simulator, log *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		settlements: settlements,
		secret:      []byte(webhookSecret),
		simulator:   simulator,
		log:         log,
	}
}

// Webhook receives a settlement signed with HMAC-SHA256 of the raw body.
// Unknown references answer 404 so the provider retries later.
func (h *PaymentHandler) Webhook(e *core.RequestEvent) error {
	if len(h.secret) == 0 {
		return apis.NewNotFoundError("", nil)
	}

	body, err := io.ReadAll(io.LimitReader(e.Request.Body, maxWebhookBody))
	if err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if !jdb.VerifyHmac256(body, h.secret, e.Request.Header.Get(SignatureHeader)) {
		h.log.Warn("webhook signature mismatch", "ip", e.Request.RemoteAddr)
		return apis.NewUnauthorizedError("Invalid signature", nil)
	}

	var s status.Settlement
	if err := json.Unmarshal(body, &s); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	r, err := h.settlements.ApplySettlement(e.Request.Context(), &s, services.SourceWebhook)
	if err != nil {
		return apiError(h.log, e, err)
	}

	h.log.Info("webhook settlement applied",
		"reservation_id", r.ID,
		"provider_reference", s.ProviderReference,
		"status", r.Status,
	)
	return e.JSON(http.StatusOK, map[string]any{
		"reservation_id": r.ID,
		"status":         r.Status,
	})
}

// SimulateSettlement fakes a provider notification. Development only.
func (h *PaymentHandler) SimulateSettlement(e *core.RequestEvent) error {
	var s status.Settlement
	if err := e.BindBody(&s); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if s.ProviderReference == "" || !s.Outcome.Valid() {
		return apis.NewBadRequestError("provider_reference and a valid status are required", nil)
	}

	if h.simulator != nil {
		if err := h.simulator.Simulate(e.Request.Context(), &s); err != nil {
			return apis.NewInternalServerError("Failed to send simulation", err)
		}
		return e.JSON(http.StatusAccepted, map[string]any{"message": "Payment simulation sent"})
	}

	r, err := h.settlements.ApplySettlement(e.Request.Context(), &s, services.SourceWebhook)
	if err != nil {
		return apiError(h.log, e, err)
	}
	return e.JSON(http.StatusOK, r)
}
