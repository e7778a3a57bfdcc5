package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/domain"
	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/escrowsim/escrow-engine/internal/store"
	"github.com/google/uuid"
)

var (
	ErrAddressNotFound = errors.New("address not found")
	// ErrAddressNotApproved covers both an unknown destination and one
	// that exists but has not passed review.
	ErrAddressNotApproved = errors.New("address not approved")
)

// AddressService tracks whitelisted payout destinations per client and
// chain. Status transitions come from an out-of-band risk reviewer and
// may be revised in any direction.
type AddressService struct {
	store    store.Store
	auditLog *audit.Log
}

func NewAddressService(st store.Store, auditLog *audit.Log) *AddressService {
	return &AddressService{store: st, auditLog: auditLog}
}

// AddAddressRequest holds the whitelist-entry parameters.
type AddAddressRequest struct {
	ClientID uuid.UUID
	Chain    string
	Address  string
	Label    string
}

// Add inserts a destination keyed by (client, chain, address). Adding an
// existing triple returns the existing entry regardless of its status.
func (s *AddressService) Add(ctx context.Context, req AddAddressRequest) (*models.Address, error) {
	req.Chain = strings.ToLower(strings.TrimSpace(req.Chain))
	req.Address = strings.TrimSpace(req.Address)
	if req.Chain == "" {
		return nil, errors.New("chain is required")
	}
	if req.Address == "" {
		return nil, errors.New("address is required")
	}

	queries := s.store.Queries()
	if existing, err := queries.FindAddress(ctx, req.ClientID, req.Chain, req.Address); err == nil {
		return &existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find address: %w", err)
	}

	addr := &models.Address{
		ID:       uuid.New(),
		ClientID: req.ClientID,
		Chain:    req.Chain,
		Address:  req.Address,
		Label:    strings.TrimSpace(req.Label),
		Status:   domain.AddressStatusPending,
	}
	if err := queries.CreateAddress(ctx, addr); err != nil {
		// Lost a race with a concurrent insert of the same triple.
		if errors.Is(err, store.ErrConflict) {
			existing, lookupErr := queries.FindAddress(ctx, req.ClientID, req.Chain, req.Address)
			if lookupErr == nil {
				return &existing, nil
			}
		}
		return nil, fmt.Errorf("create address: %w", err)
	}

	if _, err := s.auditLog.Append("address_added", addr.ID.String(), map[string]any{
		"client_id": addr.ClientID.String(),
		"chain":     addr.Chain,
		"address":   addr.Address,
		"label":     addr.Label,
	}); err != nil {
		return nil, fmt.Errorf("audit address add: %w", err)
	}
	return addr, nil
}

// SetStatus applies a review outcome. Any transition is permitted
// because review decisions may be revised.
func (s *AddressService) SetStatus(ctx context.Context, id uuid.UUID, status string, riskScore *int) (*models.Address, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case domain.AddressStatusPending, domain.AddressStatusApproved, domain.AddressStatusRejected:
	default:
		return nil, fmt.Errorf("invalid address status: %s", status)
	}

	queries := s.store.Queries()
	if err := queries.UpdateAddressStatus(ctx, id, status, riskScore); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAddressNotFound
		}
		return nil, fmt.Errorf("update address status: %w", err)
	}

	addr, err := queries.GetAddress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload address: %w", err)
	}

	data := map[string]any{
		"client_id": addr.ClientID.String(),
		"status":    addr.Status,
	}
	if addr.RiskScore != nil {
		data["risk_score"] = *addr.RiskScore
	}
	if _, err := s.auditLog.Append("address_status_changed", addr.ID.String(), data); err != nil {
		return nil, fmt.Errorf("audit address status: %w", err)
	}
	return &addr, nil
}

// GetApproved returns the whitelist entry for the triple only when its
// status is approved. This is the sole read gating release-request
// creation.
func (s *AddressService) GetApproved(ctx context.Context, clientID uuid.UUID, chain, address string) (*models.Address, error) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	address = strings.TrimSpace(address)

	addr, err := s.store.Queries().FindAddress(ctx, clientID, chain, address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAddressNotApproved
		}
		return nil, fmt.Errorf("find address: %w", err)
	}
	if addr.Status != domain.AddressStatusApproved {
		return nil, ErrAddressNotApproved
	}
	return &addr, nil
}
