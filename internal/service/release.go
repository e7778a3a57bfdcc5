package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/config"
	"github.com/escrowsim/escrow-engine/internal/domain"
	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/escrowsim/escrow-engine/internal/observability"
	"github.com/escrowsim/escrow-engine/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrRequestNotFound = errors.New("release request not found")
	// ErrInvalidState is returned when an operation is not valid for the
	// request's current lifecycle state, e.g. approving or paying out a
	// completed request.
	ErrInvalidState = errors.New("release request in invalid state")
)

// ReleaseService owns the release-request lifecycle: creation gated by
// the address whitelist, then quorum approval. required_approvals is
// fixed at creation from the configured ceiling and never recomputed.
type ReleaseService struct {
	store     store.Store
	addresses *AddressService
	auditLog  *audit.Log
	cfg       config.ApprovalConfig
}

func NewReleaseService(st store.Store, addresses *AddressService, auditLog *audit.Log, cfg config.ApprovalConfig) *ReleaseService {
	return &ReleaseService{
		store:     st,
		addresses: addresses,
		auditLog:  auditLog,
		cfg:       cfg,
	}
}

// CreateReleaseRequest holds the parameters for a new release.
type CreateReleaseRequest struct {
	ClientID       uuid.UUID
	Amount         decimal.Decimal
	Chain          string
	Address        string
	MaxSlippageBps int
}

// Create opens a pending release request. The destination must already
// be approved on the whitelist.
func (s *ReleaseService) Create(ctx context.Context, req CreateReleaseRequest) (*models.ReleaseRequest, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("invalid amount: %s", req.Amount)
	}
	if req.MaxSlippageBps < 0 {
		return nil, fmt.Errorf("invalid max_slippage_bps: %d", req.MaxSlippageBps)
	}

	addr, err := s.addresses.GetApproved(ctx, req.ClientID, req.Chain, req.Address)
	if err != nil {
		return nil, err
	}

	request := &models.ReleaseRequest{
		ID:                uuid.New(),
		ClientID:          req.ClientID,
		Amount:            req.Amount,
		Chain:             addr.Chain,
		Address:           addr.Address,
		Status:            domain.ReleaseStatusPending,
		RequiredApprovals: s.cfg.Required(req.Amount),
		MaxSlippageBps:    req.MaxSlippageBps,
	}
	if err := s.store.Queries().CreateReleaseRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("create release request: %w", err)
	}

	if _, err := s.auditLog.Append("release_requested", request.ID.String(), map[string]any{
		"client_id":          request.ClientID.String(),
		"amount":             request.Amount.String(),
		"chain":              request.Chain,
		"address":            request.Address,
		"max_slippage_bps":   request.MaxSlippageBps,
		"required_approvals": request.RequiredApprovals,
	}); err != nil {
		return nil, fmt.Errorf("audit release request: %w", err)
	}
	return request, nil
}

// Get loads one release request.
func (s *ReleaseService) Get(ctx context.Context, id uuid.UUID) (*models.ReleaseRequest, error) {
	req, err := s.store.Queries().GetReleaseRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get release request: %w", err)
	}
	return &req, nil
}

// ApprovalResult reports the outcome of one approval vote.
type ApprovalResult struct {
	RequestID      uuid.UUID `json:"request_id"`
	ApprovalsCount int       `json:"approvals_count"`
	Status         string    `json:"status"`
}

// Approve records one approver's vote. Duplicate votes from the same
// approver are no-ops. The count is recomputed from the distinct vote
// rows rather than incremented, so concurrent submissions cannot race
// the counter, and the pending -> approved transition commits atomically
// with the vote.
func (s *ReleaseService) Approve(ctx context.Context, requestID uuid.UUID, approverID string) (*ApprovalResult, error) {
	if approverID == "" {
		return nil, errors.New("approver_id is required")
	}

	var result ApprovalResult
	var inserted bool
	err := s.store.RunInTx(ctx, func(q store.Queries) error {
		req, err := q.GetReleaseRequestForUpdate(ctx, requestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrRequestNotFound
			}
			return fmt.Errorf("load release request: %w", err)
		}
		if req.Status == domain.ReleaseStatusCompleted {
			return ErrInvalidState
		}

		inserted, err = q.InsertApproval(ctx, &models.ReleaseApproval{
			RequestID:  requestID,
			ApproverID: approverID,
		})
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}

		count, err := q.CountApprovals(ctx, requestID)
		if err != nil {
			return fmt.Errorf("count approvals: %w", err)
		}
		if err := q.SetReleaseRequestApprovals(ctx, requestID, count); err != nil {
			return fmt.Errorf("store approvals count: %w", err)
		}

		status := req.Status
		if count >= req.RequiredApprovals && status == domain.ReleaseStatusPending {
			if err := q.UpdateReleaseRequestStatus(ctx, requestID, domain.ReleaseStatusApproved); err != nil {
				return fmt.Errorf("approve release request: %w", err)
			}
			status = domain.ReleaseStatusApproved
		}

		result = ApprovalResult{
			RequestID:      requestID,
			ApprovalsCount: count,
			Status:         status,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inserted {
		observability.IncrementApproval()
	}
	if _, err := s.auditLog.Append("release_approval", requestID.String(), map[string]any{
		"approver_id":     approverID,
		"approvals_count": result.ApprovalsCount,
		"status":          result.Status,
		"duplicate":       !inserted,
	}); err != nil {
		return nil, fmt.Errorf("audit approval: %w", err)
	}
	return &result, nil
}
