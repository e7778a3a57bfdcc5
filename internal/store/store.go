package store

import (
	"context"
	"errors"
	"time"

	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a row does not exist. Both backends
	// normalize their driver-level "no rows" signal to this sentinel.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a uniqueness constraint rejects an
	// insert (e.g. a concurrently created idempotency record).
	ErrConflict = errors.New("record already exists")
)

// Queries is the fine-grained data access contract shared by the
// Postgres and in-memory backends. Multi-step mutations compose these
// inside Store.RunInTx.
type Queries interface {
	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, id uuid.UUID) (models.Client, error)

	// GetBalance returns 0 for a (client, currency) pair that has never
	// been credited; balance rows are created lazily.
	GetBalance(ctx context.Context, clientID uuid.UUID, currency string) (int64, error)
	// GetBalanceForUpdate locks the balance row for the remainder of the
	// transaction before returning it.
	GetBalanceForUpdate(ctx context.Context, clientID uuid.UUID, currency string) (int64, error)
	// AddToBalance upserts the balance row and applies delta. The row's
	// available >= 0 invariant is enforced by the backend; a violation
	// fails the surrounding transaction.
	AddToBalance(ctx context.Context, clientID uuid.UUID, currency string, delta int64) error
	SumBalancesByCurrency(ctx context.Context) (map[string]int64, error)

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	CreateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, transactionID uuid.UUID) ([]models.LedgerEntry, error)

	GetIdempotencyRecord(ctx context.Context, eventID string) (models.IdempotencyRecord, error)
	CreateIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error

	CreateAddress(ctx context.Context, addr *models.Address) error
	GetAddress(ctx context.Context, id uuid.UUID) (models.Address, error)
	FindAddress(ctx context.Context, clientID uuid.UUID, chain, address string) (models.Address, error)
	UpdateAddressStatus(ctx context.Context, id uuid.UUID, status string, riskScore *int) error

	CreateReleaseRequest(ctx context.Context, req *models.ReleaseRequest) error
	GetReleaseRequest(ctx context.Context, id uuid.UUID) (models.ReleaseRequest, error)
	// GetReleaseRequestForUpdate locks the request row; the status field
	// acts as the single-writer lock for payout execution.
	GetReleaseRequestForUpdate(ctx context.Context, id uuid.UUID) (models.ReleaseRequest, error)
	UpdateReleaseRequestStatus(ctx context.Context, id uuid.UUID, status string) error
	SetReleaseRequestApprovals(ctx context.Context, id uuid.UUID, count int) error
	AttachQuote(ctx context.Context, id uuid.UUID, rate decimal.Decimal, expiresAt time.Time) error

	// InsertApproval records a vote; duplicates from the same approver
	// are ignored and reported via the inserted flag.
	InsertApproval(ctx context.Context, approval *models.ReleaseApproval) (inserted bool, err error)
	CountApprovals(ctx context.Context, requestID uuid.UUID) (int, error)

	CreatePayout(ctx context.Context, payout *models.Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (models.Payout, error)
	GetPayoutByRequest(ctx context.Context, requestID uuid.UUID) (models.Payout, error)
	SetPayoutTxHash(ctx context.Context, requestID uuid.UUID, txHash string, networkFee decimal.Decimal) error

	AddToCustodialBalance(ctx context.Context, currency string, delta int64) error
	ListCustodialBalances(ctx context.Context) (map[string]int64, error)
}

// Store provides access to queries and transaction scoping. Every
// invariant-bearing mutation commits in one RunInTx call so a crash or
// concurrent operation never observes a partially-applied state.
type Store interface {
	Queries() Queries
	RunInTx(ctx context.Context, fn func(q Queries) error) error
}
