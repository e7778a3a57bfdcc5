package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/escrowsim/escrow-engine/internal/api/middleware"
	"github.com/escrowsim/escrow-engine/internal/api/problem"
	"github.com/escrowsim/escrow-engine/internal/service"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an RFC 7807 error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// RespondServiceError maps the core error taxonomy to HTTP statuses.
// Unmapped errors fall through as 400s with the error text.
func RespondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrClientNotFound),
		errors.Is(err, service.ErrAddressNotFound),
		errors.Is(err, service.ErrRequestNotFound),
		errors.Is(err, service.ErrPayoutNotFound):
		RespondError(w, r, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, service.ErrInvalidState):
		RespondError(w, r, http.StatusConflict, "invalid-state", err.Error())
	case errors.Is(err, service.ErrAddressNotApproved):
		RespondError(w, r, http.StatusUnprocessableEntity, "address-not-approved", err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		RespondError(w, r, http.StatusUnprocessableEntity, "insufficient-funds", err.Error())
	case errors.Is(err, service.ErrQuoteMissing):
		RespondError(w, r, http.StatusUnprocessableEntity, "quote-missing", err.Error())
	case errors.Is(err, service.ErrQuoteExpired):
		RespondError(w, r, http.StatusUnprocessableEntity, "quote-expired", err.Error())
	case errors.Is(err, service.ErrInvalidSignature):
		RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "Invalid signature")
	default:
		RespondError(w, r, http.StatusBadRequest, "bad-request", err.Error())
	}
}

// requestOperator returns the operator identity from the auth context.
func requestOperator(r *http.Request) (string, error) {
	operatorID := middleware.OperatorIDFromContext(r.Context())
	if operatorID == "" {
		return "", errors.New("missing operator in auth context")
	}
	return operatorID, nil
}
