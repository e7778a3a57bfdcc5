package handler

import (
	"net/http"

	"github.com/escrowsim/escrow-engine/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PayoutHandler struct {
	svc *service.PayoutService
}

func NewPayoutHandler(svc *service.PayoutService) *PayoutHandler {
	return &PayoutHandler{svc: svc}
}

// Execute handles POST /v1/release-requests/{id}/payout. The request must
// be approved and hold a live quote.
func (h *PayoutHandler) Execute(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-request-id", "Invalid request ID")
		return
	}

	payout, err := h.svc.ExecutePayout(r.Context(), requestID)
	if err != nil {
		zap.L().Warn("execute payout failed", zap.Error(err), zap.String("request_id", requestID.String()))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusCreated, payout)
}

// GetPayout handles GET /v1/payouts/{id}.
func (h *PayoutHandler) GetPayout(w http.ResponseWriter, r *http.Request) {
	payoutID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-payout-id", "Invalid payout ID")
		return
	}

	payout, err := h.svc.GetPayout(r.Context(), payoutID)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, payout)
}
