package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type balanceKey struct {
	clientID uuid.UUID
	currency string
}

type addressKey struct {
	clientID uuid.UUID
	chain    string
	address  string
}

type approvalKey struct {
	requestID  uuid.UUID
	approverID string
}

type memoryState struct {
	clients         map[uuid.UUID]models.Client
	balances        map[balanceKey]int64
	transactions    map[uuid.UUID]models.Transaction
	entries         map[uuid.UUID][]models.LedgerEntry
	idempotency     map[string]models.IdempotencyRecord
	addresses       map[uuid.UUID]models.Address
	addressIndex    map[addressKey]uuid.UUID
	requests        map[uuid.UUID]models.ReleaseRequest
	approvals       map[approvalKey]models.ReleaseApproval
	payouts         map[uuid.UUID]models.Payout
	payoutByRequest map[uuid.UUID]uuid.UUID
	custodial       map[string]int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		clients:         make(map[uuid.UUID]models.Client),
		balances:        make(map[balanceKey]int64),
		transactions:    make(map[uuid.UUID]models.Transaction),
		entries:         make(map[uuid.UUID][]models.LedgerEntry),
		idempotency:     make(map[string]models.IdempotencyRecord),
		addresses:       make(map[uuid.UUID]models.Address),
		addressIndex:    make(map[addressKey]uuid.UUID),
		requests:        make(map[uuid.UUID]models.ReleaseRequest),
		approvals:       make(map[approvalKey]models.ReleaseApproval),
		payouts:         make(map[uuid.UUID]models.Payout),
		payoutByRequest: make(map[uuid.UUID]uuid.UUID),
		custodial:       make(map[string]int64),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.clients {
		c.clients[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.entries {
		entries := make([]models.LedgerEntry, len(v))
		copy(entries, v)
		c.entries[k] = entries
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.addresses {
		c.addresses[k] = v
	}
	for k, v := range s.addressIndex {
		c.addressIndex[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.approvals {
		c.approvals[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k, v := range s.payoutByRequest {
		c.payoutByRequest[k] = v
	}
	for k, v := range s.custodial {
		c.custodial[k] = v
	}
	return c
}

// Memory is an in-process Store backend. RunInTx mutates a snapshot of
// the state and swaps it in only when fn succeeds, so a failed
// transaction leaves no trace, matching the Postgres backend's rollback
// semantics. All access is serialized by a single mutex.
type Memory struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

// Queries returns the non-transactional query set. Each call locks for
// the duration of the single operation.
func (m *Memory) Queries() Queries {
	return &memQueries{store: m}
}

// RunInTx executes fn against a snapshot and commits it atomically.
func (m *Memory) RunInTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memQueries{state: snapshot}); err != nil {
		return err
	}
	m.state = snapshot
	return nil
}

// memQueries operates either on a transaction snapshot (state set) or on
// the live store (store set), in which case each op takes the lock.
type memQueries struct {
	store *Memory
	state *memoryState
}

func (q *memQueries) run(fn func(s *memoryState) error) error {
	if q.state != nil {
		return fn(q.state)
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	return fn(q.store.state)
}

func (q *memQueries) CreateClient(_ context.Context, client *models.Client) error {
	return q.run(func(s *memoryState) error {
		if _, ok := s.clients[client.ID]; ok {
			return ErrConflict
		}
		if client.CreatedAt.IsZero() {
			client.CreatedAt = time.Now().UTC()
		}
		s.clients[client.ID] = *client
		return nil
	})
}

func (q *memQueries) GetClient(_ context.Context, id uuid.UUID) (models.Client, error) {
	var out models.Client
	err := q.run(func(s *memoryState) error {
		c, ok := s.clients[id]
		if !ok {
			return ErrNotFound
		}
		out = c
		return nil
	})
	return out, err
}

func (q *memQueries) GetBalance(_ context.Context, clientID uuid.UUID, currency string) (int64, error) {
	var out int64
	err := q.run(func(s *memoryState) error {
		out = s.balances[balanceKey{clientID, currency}]
		return nil
	})
	return out, err
}

func (q *memQueries) GetBalanceForUpdate(ctx context.Context, clientID uuid.UUID, currency string) (int64, error) {
	// The snapshot is exclusive for the whole transaction; no extra
	// locking is needed for this backend.
	return q.GetBalance(ctx, clientID, currency)
}

func (q *memQueries) AddToBalance(_ context.Context, clientID uuid.UUID, currency string, delta int64) error {
	return q.run(func(s *memoryState) error {
		key := balanceKey{clientID, currency}
		next := s.balances[key] + delta
		if next < 0 {
			return fmt.Errorf("balance for %s/%s would go negative (%d)", clientID, currency, next)
		}
		s.balances[key] = next
		return nil
	})
}

func (q *memQueries) SumBalancesByCurrency(_ context.Context) (map[string]int64, error) {
	totals := make(map[string]int64)
	err := q.run(func(s *memoryState) error {
		for key, available := range s.balances {
			totals[key.currency] += available
		}
		return nil
	})
	return totals, err
}

func (q *memQueries) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	return q.run(func(s *memoryState) error {
		if _, ok := s.transactions[tx.ID]; ok {
			return ErrConflict
		}
		now := time.Now().UTC()
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		tx.UpdatedAt = now
		s.transactions[tx.ID] = *tx
		return nil
	})
}

func (q *memQueries) GetTransaction(_ context.Context, id uuid.UUID) (models.Transaction, error) {
	var out models.Transaction
	err := q.run(func(s *memoryState) error {
		tx, ok := s.transactions[id]
		if !ok {
			return ErrNotFound
		}
		out = tx
		return nil
	})
	return out, err
}

func (q *memQueries) CreateLedgerEntry(_ context.Context, entry *models.LedgerEntry) error {
	return q.run(func(s *memoryState) error {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		s.entries[entry.TransactionID] = append(s.entries[entry.TransactionID], *entry)
		return nil
	})
}

func (q *memQueries) ListLedgerEntries(_ context.Context, transactionID uuid.UUID) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := q.run(func(s *memoryState) error {
		entries := s.entries[transactionID]
		out = make([]models.LedgerEntry, len(entries))
		copy(out, entries)
		return nil
	})
	return out, err
}

func (q *memQueries) GetIdempotencyRecord(_ context.Context, eventID string) (models.IdempotencyRecord, error) {
	var out models.IdempotencyRecord
	err := q.run(func(s *memoryState) error {
		rec, ok := s.idempotency[eventID]
		if !ok {
			return ErrNotFound
		}
		out = rec
		return nil
	})
	return out, err
}

func (q *memQueries) CreateIdempotencyRecord(_ context.Context, rec *models.IdempotencyRecord) error {
	return q.run(func(s *memoryState) error {
		if _, ok := s.idempotency[rec.EventID]; ok {
			return ErrConflict
		}
		if rec.ProcessedAt.IsZero() {
			rec.ProcessedAt = time.Now().UTC()
		}
		s.idempotency[rec.EventID] = *rec
		return nil
	})
}

func (q *memQueries) CreateAddress(_ context.Context, addr *models.Address) error {
	return q.run(func(s *memoryState) error {
		key := addressKey{addr.ClientID, addr.Chain, addr.Address}
		if _, ok := s.addressIndex[key]; ok {
			return ErrConflict
		}
		now := time.Now().UTC()
		if addr.CreatedAt.IsZero() {
			addr.CreatedAt = now
		}
		addr.UpdatedAt = now
		s.addresses[addr.ID] = *addr
		s.addressIndex[key] = addr.ID
		return nil
	})
}

func (q *memQueries) GetAddress(_ context.Context, id uuid.UUID) (models.Address, error) {
	var out models.Address
	err := q.run(func(s *memoryState) error {
		addr, ok := s.addresses[id]
		if !ok {
			return ErrNotFound
		}
		out = addr
		return nil
	})
	return out, err
}

func (q *memQueries) FindAddress(_ context.Context, clientID uuid.UUID, chain, address string) (models.Address, error) {
	var out models.Address
	err := q.run(func(s *memoryState) error {
		id, ok := s.addressIndex[addressKey{clientID, chain, address}]
		if !ok {
			return ErrNotFound
		}
		out = s.addresses[id]
		return nil
	})
	return out, err
}

func (q *memQueries) UpdateAddressStatus(_ context.Context, id uuid.UUID, status string, riskScore *int) error {
	return q.run(func(s *memoryState) error {
		addr, ok := s.addresses[id]
		if !ok {
			return ErrNotFound
		}
		addr.Status = status
		if riskScore != nil {
			score := *riskScore
			addr.RiskScore = &score
		}
		addr.UpdatedAt = time.Now().UTC()
		s.addresses[id] = addr
		return nil
	})
}

func (q *memQueries) CreateReleaseRequest(_ context.Context, req *models.ReleaseRequest) error {
	return q.run(func(s *memoryState) error {
		if _, ok := s.requests[req.ID]; ok {
			return ErrConflict
		}
		now := time.Now().UTC()
		if req.CreatedAt.IsZero() {
			req.CreatedAt = now
		}
		req.UpdatedAt = now
		s.requests[req.ID] = *req
		return nil
	})
}

func (q *memQueries) GetReleaseRequest(_ context.Context, id uuid.UUID) (models.ReleaseRequest, error) {
	var out models.ReleaseRequest
	err := q.run(func(s *memoryState) error {
		req, ok := s.requests[id]
		if !ok {
			return ErrNotFound
		}
		out = req
		return nil
	})
	return out, err
}

func (q *memQueries) GetReleaseRequestForUpdate(ctx context.Context, id uuid.UUID) (models.ReleaseRequest, error) {
	return q.GetReleaseRequest(ctx, id)
}

func (q *memQueries) UpdateReleaseRequestStatus(_ context.Context, id uuid.UUID, status string) error {
	return q.run(func(s *memoryState) error {
		req, ok := s.requests[id]
		if !ok {
			return ErrNotFound
		}
		req.Status = status
		req.UpdatedAt = time.Now().UTC()
		s.requests[id] = req
		return nil
	})
}

func (q *memQueries) SetReleaseRequestApprovals(_ context.Context, id uuid.UUID, count int) error {
	return q.run(func(s *memoryState) error {
		req, ok := s.requests[id]
		if !ok {
			return ErrNotFound
		}
		req.ApprovalsCount = count
		req.UpdatedAt = time.Now().UTC()
		s.requests[id] = req
		return nil
	})
}

func (q *memQueries) AttachQuote(_ context.Context, id uuid.UUID, rate decimal.Decimal, expiresAt time.Time) error {
	return q.run(func(s *memoryState) error {
		req, ok := s.requests[id]
		if !ok {
			return ErrNotFound
		}
		req.QuoteRate = &rate
		expires := expiresAt
		req.QuoteExpiresAt = &expires
		req.UpdatedAt = time.Now().UTC()
		s.requests[id] = req
		return nil
	})
}

func (q *memQueries) InsertApproval(_ context.Context, approval *models.ReleaseApproval) (bool, error) {
	inserted := false
	err := q.run(func(s *memoryState) error {
		key := approvalKey{approval.RequestID, approval.ApproverID}
		if _, ok := s.approvals[key]; ok {
			return nil
		}
		if approval.ApprovedAt.IsZero() {
			approval.ApprovedAt = time.Now().UTC()
		}
		s.approvals[key] = *approval
		inserted = true
		return nil
	})
	return inserted, err
}

func (q *memQueries) CountApprovals(_ context.Context, requestID uuid.UUID) (int, error) {
	count := 0
	err := q.run(func(s *memoryState) error {
		for key := range s.approvals {
			if key.requestID == requestID {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (q *memQueries) CreatePayout(_ context.Context, payout *models.Payout) error {
	return q.run(func(s *memoryState) error {
		if _, ok := s.payoutByRequest[payout.RequestID]; ok {
			return ErrConflict
		}
		now := time.Now().UTC()
		if payout.CreatedAt.IsZero() {
			payout.CreatedAt = now
		}
		payout.UpdatedAt = now
		s.payouts[payout.ID] = *payout
		s.payoutByRequest[payout.RequestID] = payout.ID
		return nil
	})
}

func (q *memQueries) GetPayout(_ context.Context, id uuid.UUID) (models.Payout, error) {
	var out models.Payout
	err := q.run(func(s *memoryState) error {
		payout, ok := s.payouts[id]
		if !ok {
			return ErrNotFound
		}
		out = payout
		return nil
	})
	return out, err
}

func (q *memQueries) GetPayoutByRequest(_ context.Context, requestID uuid.UUID) (models.Payout, error) {
	var out models.Payout
	err := q.run(func(s *memoryState) error {
		id, ok := s.payoutByRequest[requestID]
		if !ok {
			return ErrNotFound
		}
		out = s.payouts[id]
		return nil
	})
	return out, err
}

func (q *memQueries) SetPayoutTxHash(_ context.Context, requestID uuid.UUID, txHash string, networkFee decimal.Decimal) error {
	return q.run(func(s *memoryState) error {
		id, ok := s.payoutByRequest[requestID]
		if !ok {
			return ErrNotFound
		}
		payout := s.payouts[id]
		payout.TxHash = txHash
		payout.NetworkFee = networkFee
		payout.UpdatedAt = time.Now().UTC()
		s.payouts[id] = payout
		return nil
	})
}

func (q *memQueries) AddToCustodialBalance(_ context.Context, currency string, delta int64) error {
	return q.run(func(s *memoryState) error {
		s.custodial[currency] += delta
		return nil
	})
}

func (q *memQueries) ListCustodialBalances(_ context.Context) (map[string]int64, error) {
	totals := make(map[string]int64)
	err := q.run(func(s *memoryState) error {
		for currency, available := range s.custodial {
			totals[currency] = available
		}
		return nil
	})
	return totals, err
}
