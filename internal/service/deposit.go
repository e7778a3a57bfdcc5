package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/domain"
	"github.com/escrowsim/escrow-engine/internal/idempotency"
	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/escrowsim/escrow-engine/internal/observability"
	"github.com/escrowsim/escrow-engine/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClientNotFound = errors.New("client not found")

// DepositService applies inbound funding events to client balances
// exactly once.
type DepositService struct {
	store    store.Store
	auditLog *audit.Log
	cache    *idempotency.Cache
}

// NewDepositService creates a new DepositService instance.
func NewDepositService(st store.Store, auditLog *audit.Log, cache *idempotency.Cache) *DepositService {
	return &DepositService{
		store:    st,
		auditLog: auditLog,
		cache:    cache,
	}
}

// FundingEvent is one inbound deposit notification from the custodial
// provider. EventID is the idempotency key; the provider delivers
// at-least-once.
type FundingEvent struct {
	EventID  string
	ClientID uuid.UUID
	Amount   int64
	Currency string
}

// DepositResult reports what RecordDeposit did with the event.
type DepositResult struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	// Duplicate is true when the event was already applied and the
	// result maps to the earlier transaction.
	Duplicate bool `json:"duplicate"`
}

// RecordDeposit applies one funding event. Replaying an event ID returns
// the original transaction without re-crediting. The transaction, credit
// entry, balance upsert, custodial mirror credit and idempotency record
// commit as one atomic unit.
func (s *DepositService) RecordDeposit(ctx context.Context, event FundingEvent) (*DepositResult, error) {
	event.EventID = strings.TrimSpace(event.EventID)
	event.Currency = strings.ToUpper(strings.TrimSpace(event.Currency))

	if event.EventID == "" {
		observability.IncrementDeposit("rejected")
		return nil, errors.New("event_id is required")
	}
	if event.Amount <= 0 {
		observability.IncrementDeposit("rejected")
		return nil, fmt.Errorf("invalid amount: %d", event.Amount)
	}
	if event.Currency == "" {
		observability.IncrementDeposit("rejected")
		return nil, errors.New("currency is required")
	}

	if txID, ok := s.cache.Lookup(ctx, event.EventID); ok {
		observability.IncrementDeposit("duplicate")
		return &DepositResult{TransactionID: txID, Duplicate: true}, nil
	}

	queries := s.store.Queries()
	if rec, err := queries.GetIdempotencyRecord(ctx, event.EventID); err == nil {
		s.cache.Record(ctx, event.EventID, rec.TransactionID)
		observability.IncrementDeposit("duplicate")
		return &DepositResult{TransactionID: rec.TransactionID, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check idempotency: %w", err)
	}

	metadata, err := json.Marshal(map[string]string{
		"event_id": event.EventID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	transactionID := uuid.New()
	err = s.store.RunInTx(ctx, func(q store.Queries) error {
		if _, err := q.GetClient(ctx, event.ClientID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrClientNotFound
			}
			return fmt.Errorf("load client: %w", err)
		}

		if err := q.CreateTransaction(ctx, &models.Transaction{
			ID:       transactionID,
			ClientID: event.ClientID,
			Type:     domain.TxTypeDeposit,
			Status:   domain.TxStatusCompleted,
			Amount:   event.Amount,
			Currency: event.Currency,
			Metadata: metadata,
		}); err != nil {
			return fmt.Errorf("create deposit transaction: %w", err)
		}

		if err := q.CreateLedgerEntry(ctx, &models.LedgerEntry{
			ID:            uuid.New(),
			TransactionID: transactionID,
			ClientID:      event.ClientID,
			Direction:     domain.DirectionCredit,
			Amount:        event.Amount,
			Currency:      event.Currency,
		}); err != nil {
			return fmt.Errorf("create credit entry: %w", err)
		}

		if err := q.AddToBalance(ctx, event.ClientID, event.Currency, event.Amount); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		if err := q.AddToCustodialBalance(ctx, event.Currency, event.Amount); err != nil {
			return fmt.Errorf("credit custodial mirror: %w", err)
		}

		if err := q.CreateIdempotencyRecord(ctx, &models.IdempotencyRecord{
			EventID:       event.EventID,
			Kind:          domain.TxTypeDeposit,
			TransactionID: transactionID,
		}); err != nil {
			return fmt.Errorf("record idempotency key: %w", err)
		}
		return nil
	})
	if err != nil {
		// A concurrent delivery may have claimed the event id first.
		if errors.Is(err, store.ErrConflict) {
			if rec, lookupErr := queries.GetIdempotencyRecord(ctx, event.EventID); lookupErr == nil {
				s.cache.Record(ctx, event.EventID, rec.TransactionID)
				observability.IncrementDeposit("duplicate")
				return &DepositResult{TransactionID: rec.TransactionID, Duplicate: true}, nil
			}
		}
		return nil, err
	}

	s.cache.Record(ctx, event.EventID, transactionID)
	observability.IncrementDeposit("applied")

	if _, err := s.auditLog.Append("deposit_applied", transactionID.String(), map[string]any{
		"event_id":  event.EventID,
		"client_id": event.ClientID.String(),
		"amount":    event.Amount,
		"currency":  event.Currency,
	}); err != nil {
		zap.L().Error("deposit committed but audit append failed", zap.Error(err), zap.String("transaction_id", transactionID.String()))
		return nil, fmt.Errorf("audit deposit: %w", err)
	}

	return &DepositResult{TransactionID: transactionID}, nil
}
