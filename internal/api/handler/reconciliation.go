package handler

import (
	"net/http"
	"time"

	"github.com/escrowsim/escrow-engine/internal/service"
	"go.uber.org/zap"
)

type ReconciliationHandler struct {
	svc *service.ReconciliationService
}

func NewReconciliationHandler(svc *service.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{svc: svc}
}

// Run handles POST /v1/reconciliation/runs. An optional date query
// parameter (YYYY-MM-DD) names the report date; it defaults to today.
func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	date := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-date", "Invalid date, expected YYYY-MM-DD")
			return
		}
		date = parsed
	}

	report, err := h.svc.Reconcile(r.Context(), date)
	if err != nil {
		zap.L().Error("reconciliation run failed", zap.Error(err))
		RespondServiceError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, report)
}
