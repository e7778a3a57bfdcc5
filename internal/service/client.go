package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/escrowsim/escrow-engine/internal/store"
	"github.com/google/uuid"
)

// ClientService provisions escrow clients and reads their balances.
type ClientService struct {
	store    store.Store
	auditLog *audit.Log
}

func NewClientService(st store.Store, auditLog *audit.Log) *ClientService {
	return &ClientService{store: st, auditLog: auditLog}
}

// CreateClientRequest holds the provisioning parameters.
type CreateClientRequest struct {
	Name           string `json:"name"`
	WalletRef      string `json:"wallet_ref"`
	VirtualAccount string `json:"virtual_account"`
}

// CreateClient provisions a new client with external wallet and
// virtual-account references.
func (s *ClientService) CreateClient(ctx context.Context, req CreateClientRequest) (*models.Client, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, errors.New("name is required")
	}

	client := &models.Client{
		ID:             uuid.New(),
		Name:           req.Name,
		WalletRef:      strings.TrimSpace(req.WalletRef),
		VirtualAccount: strings.TrimSpace(req.VirtualAccount),
	}
	if err := s.store.Queries().CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	if _, err := s.auditLog.Append("client_created", client.ID.String(), map[string]any{
		"name":            client.Name,
		"wallet_ref":      client.WalletRef,
		"virtual_account": client.VirtualAccount,
	}); err != nil {
		return nil, fmt.Errorf("audit client creation: %w", err)
	}
	return client, nil
}

// GetClient loads one client.
func (s *ClientService) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	client, err := s.store.Queries().GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &client, nil
}

// GetBalance returns the available balance for one currency. Unknown
// pairs read as zero.
func (s *ClientService) GetBalance(ctx context.Context, clientID uuid.UUID, currency string) (*models.Balance, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if _, err := s.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	available, err := s.store.Queries().GetBalance(ctx, clientID, currency)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &models.Balance{ClientID: clientID, Currency: currency, Available: available}, nil
}

// ListLedgerEntries returns the entries recorded for one transaction.
func (s *ClientService) ListLedgerEntries(ctx context.Context, transactionID uuid.UUID) ([]models.LedgerEntry, error) {
	entries, err := s.store.Queries().ListLedgerEntries(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

// CurrencyTotal is an aggregated internal balance for one currency.
type CurrencyTotal struct {
	Currency string `json:"currency"`
	Total    int64  `json:"total"`
}

// InternalTotals sums balances across all clients, per currency, in
// currency order.
func (s *ClientService) InternalTotals(ctx context.Context) ([]CurrencyTotal, error) {
	sums, err := s.store.Queries().SumBalancesByCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum balances: %w", err)
	}
	out := make([]CurrencyTotal, 0, len(sums))
	for currency, total := range sums {
		out = append(out, CurrencyTotal{Currency: currency, Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}
