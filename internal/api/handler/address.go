package handler

import (
	"encoding/json"
	"net/http"

	"github.com/escrowsim/escrow-engine/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AddressHandler struct {
	svc *service.AddressService
}

func NewAddressHandler(svc *service.AddressService) *AddressHandler {
	return &AddressHandler{svc: svc}
}

// AddAddress handles POST /v1/clients/{id}/addresses.
func (h *AddressHandler) AddAddress(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-client-id", "Invalid client ID")
		return
	}

	var req struct {
		Chain   string `json:"chain"`
		Address string `json:"address"`
		Label   string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	addr, err := h.svc.Add(r.Context(), service.AddAddressRequest{
		ClientID: clientID,
		Chain:    req.Chain,
		Address:  req.Address,
		Label:    req.Label,
	})
	if err != nil {
		zap.L().Error("add address failed", zap.Error(err), zap.String("client_id", clientID.String()))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusCreated, addr)
}

// SetStatus handles PATCH /v1/addresses/{id}/status. Review outcomes move
// a destination between pending, approved and rejected.
func (h *AddressHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	addressID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-address-id", "Invalid address ID")
		return
	}

	var req struct {
		Status    string `json:"status"`
		RiskScore *int   `json:"risk_score,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	addr, err := h.svc.SetStatus(r.Context(), addressID, req.Status, req.RiskScore)
	if err != nil {
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, addr)
}
