package handler

import (
	"encoding/json"
	"net/http"

	"github.com/escrowsim/escrow-engine/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ClientHandler struct {
	svc *service.ClientService
}

func NewClientHandler(svc *service.ClientService) *ClientHandler {
	return &ClientHandler{svc: svc}
}

// CreateClient handles POST /v1/clients.
func (h *ClientHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req service.CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	client, err := h.svc.CreateClient(r.Context(), req)
	if err != nil {
		zap.L().Error("create client failed", zap.Error(err))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusCreated, client)
}

// GetClient handles GET /v1/clients/{id}.
func (h *ClientHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-client-id", "Invalid client ID")
		return
	}

	client, err := h.svc.GetClient(r.Context(), clientID)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, client)
}

// GetBalance handles GET /v1/clients/{id}/balances/{currency}.
func (h *ClientHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-client-id", "Invalid client ID")
		return
	}
	currency := chi.URLParam(r, "currency")

	balance, err := h.svc.GetBalance(r.Context(), clientID, currency)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, balance)
}

// GetLedgerEntries handles GET /v1/transactions/{id}/entries.
func (h *ClientHandler) GetLedgerEntries(w http.ResponseWriter, r *http.Request) {
	transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-transaction-id", "Invalid transaction ID")
		return
	}

	entries, err := h.svc.ListLedgerEntries(r.Context(), transactionID)
	if err != nil {
		zap.L().Error("list ledger entries failed", zap.Error(err), zap.String("transaction_id", transactionID.String()))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, entries)
}

// GetInternalTotals handles GET /v1/balances.
func (h *ClientHandler) GetInternalTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := h.svc.InternalTotals(r.Context())
	if err != nil {
		zap.L().Error("internal totals failed", zap.Error(err))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, totals)
}
