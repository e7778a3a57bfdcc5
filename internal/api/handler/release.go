package handler

import (
	"encoding/json"
	"net/http"

	"github.com/escrowsim/escrow-engine/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ReleaseHandler struct {
	releases *service.ReleaseService
	quotes   *service.QuoteService
}

func NewReleaseHandler(releases *service.ReleaseService, quotes *service.QuoteService) *ReleaseHandler {
	return &ReleaseHandler{releases: releases, quotes: quotes}
}

// CreateRequest handles POST /v1/release-requests.
func (h *ReleaseHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID       string          `json:"client_id"`
		Amount         decimal.Decimal `json:"amount"`
		Chain          string          `json:"chain"`
		Address        string          `json:"address"`
		MaxSlippageBps int             `json:"max_slippage_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	clientID, err := uuid.Parse(req.ClientID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-client-id", "Invalid client_id")
		return
	}

	release, err := h.releases.Create(r.Context(), service.CreateReleaseRequest{
		ClientID:       clientID,
		Amount:         req.Amount,
		Chain:          req.Chain,
		Address:        req.Address,
		MaxSlippageBps: req.MaxSlippageBps,
	})
	if err != nil {
		zap.L().Warn("create release request failed", zap.Error(err), zap.String("client_id", clientID.String()))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusCreated, release)
}

// GetRequest handles GET /v1/release-requests/{id}.
func (h *ReleaseHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-request-id", "Invalid request ID")
		return
	}

	release, err := h.releases.Get(r.Context(), requestID)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, release)
}

// Approve handles POST /v1/release-requests/{id}/approvals. The approver
// identity comes from the authenticated operator, not the request body.
func (h *ReleaseHandler) Approve(w http.ResponseWriter, r *http.Request) {
	approverID, err := requestOperator(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-request-id", "Invalid request ID")
		return
	}

	result, err := h.releases.Approve(r.Context(), requestID, approverID)
	if err != nil {
		zap.L().Warn("approve release failed", zap.Error(err),
			zap.String("request_id", requestID.String()),
			zap.String("approver_id", approverID),
		)
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

// Quote handles POST /v1/release-requests/{id}/quote. A fresh quote
// replaces any earlier one on the request.
func (h *ReleaseHandler) Quote(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-request-id", "Invalid request ID")
		return
	}

	quote, err := h.quotes.QuoteRequest(r.Context(), requestID)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, quote)
}
