package handler

import (
	"io"
	"net/http"

	"github.com/escrowsim/escrow-engine/internal/service"
	"go.uber.org/zap"
)

// WebhookHandler receives signed callbacks from the custodian.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
}

func NewWebhookHandler(webhookSvc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc}
}

// HandleFundingEvent handles POST /v1/webhooks/deposit.
// It verifies the HMAC signature and applies the funding event exactly once.
func (h *WebhookHandler) HandleFundingEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		zap.L().Error("read webhook body failed", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")

	resp, err := h.webhookSvc.HandleFundingEvent(r.Context(), body, signature)
	if err != nil {
		zap.L().Warn("funding webhook rejected", zap.Error(err))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}

// HandlePayoutSent handles POST /v1/webhooks/payout-sent.
// The custodian confirms an on-chain send with the transaction hash and
// the fee it actually charged.
func (h *WebhookHandler) HandlePayoutSent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		zap.L().Error("read webhook body failed", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")

	payout, err := h.webhookSvc.HandlePayoutSent(r.Context(), body, signature)
	if err != nil {
		zap.L().Warn("payout-sent webhook rejected", zap.Error(err))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, payout)
}
