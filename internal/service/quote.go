package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/config"
	"github.com/escrowsim/escrow-engine/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// driftShare bounds the simulated rate drift to a fifth of the caller's
// slippage tolerance, so a quote can never violate the declared bound.
var driftShare = decimal.RequireFromString("0.2")

var tenThousand = decimal.NewFromInt(10000)

// QuoteService produces short-lived conversion rates for pending
// releases. Rates are simulated from a configured base; a production
// deployment replaces this with a real pricing source behind the same
// contract.
type QuoteService struct {
	store    store.Store
	auditLog *audit.Log
	cfg      config.QuoteConfig
	now      func() time.Time
}

func NewQuoteService(st store.Store, auditLog *audit.Log, cfg config.QuoteConfig) *QuoteService {
	return &QuoteService{
		store:    st,
		auditLog: auditLog,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Quote holds a time-boxed conversion rate.
type Quote struct {
	Rate      decimal.Decimal `json:"rate"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Price derives a rate within the caller's slippage bound:
// rate = base * (1 + maxSlippageBps/10000 * driftShare).
func (s *QuoteService) Price(maxSlippageBps int) Quote {
	drift := decimal.NewFromInt(int64(maxSlippageBps)).Div(tenThousand).Mul(driftShare)
	rate := s.cfg.BaseRate.Mul(decimal.NewFromInt(1).Add(drift))
	return Quote{
		Rate:      rate,
		ExpiresAt: s.now().Add(s.cfg.Validity).UTC(),
	}
}

// QuoteRequest prices the release request and persists the quote onto
// it. The request's status is not checked: a quote may be attached at
// any time before execution, and re-quoting replaces the previous one.
func (s *QuoteService) QuoteRequest(ctx context.Context, requestID uuid.UUID) (*Quote, error) {
	req, err := s.store.Queries().GetReleaseRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("load release request: %w", err)
	}

	quote := s.Price(req.MaxSlippageBps)
	if err := s.store.Queries().AttachQuote(ctx, requestID, quote.Rate, quote.ExpiresAt); err != nil {
		return nil, fmt.Errorf("attach quote: %w", err)
	}

	if _, err := s.auditLog.Append("quote_attached", requestID.String(), map[string]any{
		"rate":       quote.Rate.String(),
		"expires_at": quote.ExpiresAt.Format(time.RFC3339Nano),
	}); err != nil {
		return nil, fmt.Errorf("audit quote: %w", err)
	}
	return &quote, nil
}
