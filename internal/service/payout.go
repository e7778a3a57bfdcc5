package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/config"
	"github.com/escrowsim/escrow-engine/internal/domain"
	"github.com/escrowsim/escrow-engine/internal/gateway"
	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/escrowsim/escrow-engine/internal/notifier"
	"github.com/escrowsim/escrow-engine/internal/observability"
	"github.com/escrowsim/escrow-engine/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrPayoutNotFound    = errors.New("payout not found")
	ErrQuoteMissing      = errors.New("no quote attached to release request")
	ErrQuoteExpired      = errors.New("quote has expired")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// PayoutService converts an approved release request into a fiat debit
// and a payout record. The debit, the custodial mirror decrement, the
// payout row and the request's completed transition commit in one
// transaction; provider submission and integration notification run
// strictly after commit and never roll it back.
type PayoutService struct {
	store     store.Store
	submitter gateway.Submitter
	notifier  notifier.Notifier
	auditLog  *audit.Log
	cfg       config.PayoutConfig
	now       func() time.Time
}

func NewPayoutService(st store.Store, sub gateway.Submitter, not notifier.Notifier, auditLog *audit.Log, cfg config.PayoutConfig) *PayoutService {
	return &PayoutService{
		store:     st,
		submitter: sub,
		notifier:  not,
		auditLog:  auditLog,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ExecutePayout runs the critical release operation for an approved
// request with a live quote. The required fiat amount is
// ceil(release_amount * quote_rate). The request's status transition out
// of approved acts as the single-writer lock: a concurrent second
// execution loses the row lock race and observes InvalidState.
func (s *PayoutService) ExecutePayout(ctx context.Context, requestID uuid.UUID) (*models.Payout, error) {
	payout := &models.Payout{
		ID:         uuid.New(),
		RequestID:  requestID,
		Status:     domain.PayoutStatusSent,
		NetworkFee: s.cfg.NetworkFee,
	}

	var request models.ReleaseRequest
	var requiredFiat int64
	err := s.store.RunInTx(ctx, func(q store.Queries) error {
		req, err := q.GetReleaseRequestForUpdate(ctx, requestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrRequestNotFound
			}
			return fmt.Errorf("load release request: %w", err)
		}
		if req.Status != domain.ReleaseStatusApproved {
			return ErrInvalidState
		}
		if req.QuoteRate == nil || req.QuoteExpiresAt == nil {
			return ErrQuoteMissing
		}
		if !s.now().Before(*req.QuoteExpiresAt) {
			return ErrQuoteExpired
		}

		requiredFiat = domain.RequiredFiat(req.Amount, *req.QuoteRate)
		available, err := q.GetBalanceForUpdate(ctx, req.ClientID, s.cfg.FiatCurrency)
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}
		if available < requiredFiat {
			return ErrInsufficientFunds
		}

		metadata, err := json.Marshal(map[string]string{
			"request_id": requestID.String(),
			"rate":       req.QuoteRate.String(),
		})
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}

		transactionID := uuid.New()
		if err := q.CreateTransaction(ctx, &models.Transaction{
			ID:       transactionID,
			ClientID: req.ClientID,
			Type:     domain.TxTypePayout,
			Status:   domain.TxStatusProcessing,
			Amount:   requiredFiat,
			Currency: s.cfg.FiatCurrency,
			Metadata: metadata,
		}); err != nil {
			return fmt.Errorf("create payout transaction: %w", err)
		}
		if err := q.CreateLedgerEntry(ctx, &models.LedgerEntry{
			ID:            uuid.New(),
			TransactionID: transactionID,
			ClientID:      req.ClientID,
			Direction:     domain.DirectionDebit,
			Amount:        requiredFiat,
			Currency:      s.cfg.FiatCurrency,
		}); err != nil {
			return fmt.Errorf("create debit entry: %w", err)
		}
		if err := q.AddToBalance(ctx, req.ClientID, s.cfg.FiatCurrency, -requiredFiat); err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if err := q.AddToCustodialBalance(ctx, s.cfg.FiatCurrency, -requiredFiat); err != nil {
			return fmt.Errorf("debit custodial mirror: %w", err)
		}

		payout.Chain = req.Chain
		if err := q.CreatePayout(ctx, payout); err != nil {
			return fmt.Errorf("create payout: %w", err)
		}
		if err := q.UpdateReleaseRequestStatus(ctx, requestID, domain.ReleaseStatusCompleted); err != nil {
			return fmt.Errorf("complete release request: %w", err)
		}

		request = req
		return nil
	})
	if err != nil {
		observability.IncrementPayout(outcomeLabel(err))
		return nil, err
	}
	observability.IncrementPayout("executed")

	// The debit is committed and authoritative. Everything below is
	// best-effort and degrades to an audit record on failure.
	s.submitAndNotify(ctx, request, payout, domain.NewMoney(requiredFiat, s.cfg.FiatCurrency))

	if _, err := s.auditLog.Append("payout_executed", payout.ID.String(), map[string]any{
		"request_id":  requestID.String(),
		"client_id":   request.ClientID.String(),
		"fiat_amount": requiredFiat,
		"currency":    s.cfg.FiatCurrency,
		"amount":      request.Amount.String(),
		"rate":        request.QuoteRate.String(),
		"network_fee": s.cfg.NetworkFee.String(),
	}); err != nil {
		zap.L().Error("payout committed but audit append failed", zap.Error(err), zap.String("payout_id", payout.ID.String()))
		return nil, fmt.Errorf("audit payout: %w", err)
	}
	return payout, nil
}

func (s *PayoutService) submitAndNotify(ctx context.Context, req models.ReleaseRequest, payout *models.Payout, fiat domain.Money) {
	if err := s.submitter.Submit(ctx, gateway.SubmitRequest{
		RequestID: req.ID.String(),
		PayoutID:  payout.ID.String(),
		Chain:     req.Chain,
		Address:   req.Address,
		Amount:    req.Amount.String(),
		Fiat:      fiat,
	}); err != nil {
		zap.L().Warn("payout submission failed",
			zap.Error(err),
			zap.String("payout_id", payout.ID.String()),
			zap.String("fiat", fiat.String()))
		if _, auditErr := s.auditLog.Append("payout_submission_failed", payout.ID.String(), map[string]any{
			"request_id": req.ID.String(),
			"error":      err.Error(),
		}); auditErr != nil {
			zap.L().Error("audit append failed for submission failure", zap.Error(auditErr))
		}
	}

	if err := s.notifier.Notify(ctx, notifier.Event{
		RequestID: req.ID.String(),
		Action:    "payout",
		ClientID:  req.ClientID.String(),
		Amount:    req.Amount.String(),
		Currency:  s.cfg.FiatCurrency,
		Chain:     req.Chain,
		Address:   req.Address,
		Status:    payout.Status,
	}); err != nil {
		zap.L().Warn("integration notification failed", zap.Error(err), zap.String("payout_id", payout.ID.String()))
		if _, auditErr := s.auditLog.Append("notification_failed", payout.ID.String(), map[string]any{
			"request_id": req.ID.String(),
			"error":      err.Error(),
		}); auditErr != nil {
			zap.L().Error("audit append failed for notification failure", zap.Error(auditErr))
		}
	}
}

// RecordPayoutSent backfills the on-chain tx hash reported by the
// provider after broadcast. A positive fee replaces the assumed flat
// fee.
func (s *PayoutService) RecordPayoutSent(ctx context.Context, requestID uuid.UUID, txHash string, networkFee decimal.Decimal) (*models.Payout, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, errors.New("tx_hash is required")
	}

	queries := s.store.Queries()
	if !networkFee.IsPositive() {
		existing, err := queries.GetPayoutByRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrPayoutNotFound
			}
			return nil, fmt.Errorf("load payout: %w", err)
		}
		networkFee = existing.NetworkFee
	}

	if err := queries.SetPayoutTxHash(ctx, requestID, txHash, networkFee); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, fmt.Errorf("set payout tx hash: %w", err)
	}

	payout, err := queries.GetPayoutByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("reload payout: %w", err)
	}

	if _, err := s.auditLog.Append("payout_sent", payout.ID.String(), map[string]any{
		"request_id":  requestID.String(),
		"tx_hash":     txHash,
		"network_fee": payout.NetworkFee.String(),
	}); err != nil {
		return nil, fmt.Errorf("audit payout sent: %w", err)
	}
	return &payout, nil
}

// GetPayout retrieves a payout by ID.
func (s *PayoutService) GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	payout, err := s.store.Queries().GetPayout(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPayoutNotFound
		}
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return &payout, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrRequestNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrQuoteMissing):
		return "quote_missing"
	case errors.Is(err, ErrQuoteExpired):
		return "quote_expired"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "error"
	}
}
