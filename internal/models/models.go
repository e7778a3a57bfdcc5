package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Client is an escrow customer. Provisioned out of band; everything but
// display metadata is immutable after creation.
type Client struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	WalletRef      string    `json:"wallet_ref"`
	VirtualAccount string    `json:"virtual_account"`
	CreatedAt      time.Time `json:"created_at"`
}

// Balance is the available fiat balance per (client, currency).
// Created lazily on first credit; never negative.
type Balance struct {
	ClientID  uuid.UUID `json:"client_id"`
	Currency  string    `json:"currency"`
	Available int64     `json:"available"` // minor units
}

type Transaction struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"client_id"`
	Type      string    `json:"type"`   // "deposit", "release", "payout"
	Status    string    `json:"status"` // "completed", "processing"
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Metadata  []byte    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LedgerEntry struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	ClientID      uuid.UUID `json:"client_id"`
	Direction     string    `json:"direction"` // "debit" or "credit"
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

// IdempotencyRecord maps a processed external event id to the transaction
// it produced. Checked before any ledger mutation.
type IdempotencyRecord struct {
	EventID       string    `json:"event_id"`
	Kind          string    `json:"kind"`
	TransactionID uuid.UUID `json:"transaction_id"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// Address is a whitelisted payout destination. Unique per
// (client, chain, address); status is revised by out-of-band risk review.
type Address struct {
	ID        uuid.UUID `json:"id"`
	ClientID  uuid.UUID `json:"client_id"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Label     string    `json:"label,omitempty"`
	Status    string    `json:"status"` // "pending", "approved", "rejected"
	RiskScore *int      `json:"risk_score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReleaseRequest struct {
	ID                uuid.UUID        `json:"id"`
	ClientID          uuid.UUID        `json:"client_id"`
	Amount            decimal.Decimal  `json:"amount"` // asset units
	Chain             string           `json:"chain"`
	Address           string           `json:"address"`
	Status            string           `json:"status"` // "pending", "approved", "completed"
	RequiredApprovals int              `json:"required_approvals"`
	ApprovalsCount    int              `json:"approvals_count"`
	MaxSlippageBps    int              `json:"max_slippage_bps"`
	QuoteRate         *decimal.Decimal `json:"quote_rate,omitempty"`
	QuoteExpiresAt    *time.Time       `json:"quote_expires_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ReleaseApproval is one approver's vote on a release request.
// (RequestID, ApproverID) is unique; duplicate votes are no-ops.
type ReleaseApproval struct {
	RequestID  uuid.UUID `json:"request_id"`
	ApproverID string    `json:"approver_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

type Payout struct {
	ID         uuid.UUID       `json:"id"`
	RequestID  uuid.UUID       `json:"request_id"`
	Status     string          `json:"status"` // "sent"
	Chain      string          `json:"chain"`
	TxHash     string          `json:"tx_hash,omitempty"`
	NetworkFee decimal.Decimal `json:"network_fee"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CustodialBalance mirrors the external provider's view of funds held on
// the service's behalf, per currency. Moved in lock-step with internal
// fiat credits and debits.
type CustodialBalance struct {
	Currency  string `json:"currency"`
	Available int64  `json:"available"`
}
