package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	db      *pgxpool.Pool
	queries *pgQueries
}

// NewPostgres creates a store wrapper around a pgx connection pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{
		db:      db,
		queries: &pgQueries{db: db},
	}
}

// Queries returns the non-transactional query set.
func (s *Postgres) Queries() Queries {
	return s.queries
}

// RunInTx executes fn within a database transaction.
func (s *Postgres) RunInTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables the engine needs if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			wallet_ref TEXT NOT NULL DEFAULT '',
			virtual_account TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			client_id UUID NOT NULL,
			currency TEXT NOT NULL,
			available BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
			PRIMARY KEY (client_id, currency)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			client_id UUID NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id UUID PRIMARY KEY,
			transaction_id UUID NOT NULL REFERENCES transactions(id),
			client_id UUID NOT NULL,
			direction TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			event_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			transaction_id UUID NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS addresses (
			id UUID PRIMARY KEY,
			client_id UUID NOT NULL,
			chain TEXT NOT NULL,
			address TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			risk_score INT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (client_id, chain, address)
		)`,
		`CREATE TABLE IF NOT EXISTS release_requests (
			id UUID PRIMARY KEY,
			client_id UUID NOT NULL,
			amount NUMERIC NOT NULL,
			chain TEXT NOT NULL,
			address TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			required_approvals INT NOT NULL,
			approvals_count INT NOT NULL DEFAULT 0,
			max_slippage_bps INT NOT NULL,
			quote_rate NUMERIC,
			quote_expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS release_approvals (
			request_id UUID NOT NULL REFERENCES release_requests(id),
			approver_id TEXT NOT NULL,
			approved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (request_id, approver_id)
		)`,
		`CREATE TABLE IF NOT EXISTS payouts (
			id UUID PRIMARY KEY,
			request_id UUID NOT NULL UNIQUE REFERENCES release_requests(id),
			status TEXT NOT NULL,
			chain TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			network_fee NUMERIC NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS custodial_balances (
			currency TEXT PRIMARY KEY,
			available BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

type pgQueries struct {
	db dbtx
}

// mapErr normalizes driver errors to the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (q *pgQueries) CreateClient(ctx context.Context, client *models.Client) error {
	query := `INSERT INTO clients (id, name, wallet_ref, virtual_account, created_at)
		VALUES ($1, $2, $3, $4, NOW()) RETURNING created_at`
	err := q.db.QueryRow(ctx, query, client.ID, client.Name, client.WalletRef, client.VirtualAccount).
		Scan(&client.CreatedAt)
	if err != nil {
		return fmt.Errorf("create client: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) GetClient(ctx context.Context, id uuid.UUID) (models.Client, error) {
	var c models.Client
	query := `SELECT id, name, wallet_ref, virtual_account, created_at FROM clients WHERE id = $1`
	err := q.db.QueryRow(ctx, query, id).
		Scan(&c.ID, &c.Name, &c.WalletRef, &c.VirtualAccount, &c.CreatedAt)
	if err != nil {
		return models.Client{}, mapErr(err)
	}
	return c, nil
}

func (q *pgQueries) GetBalance(ctx context.Context, clientID uuid.UUID, currency string) (int64, error) {
	return q.getBalance(ctx, clientID, currency, "")
}

func (q *pgQueries) GetBalanceForUpdate(ctx context.Context, clientID uuid.UUID, currency string) (int64, error) {
	return q.getBalance(ctx, clientID, currency, " FOR UPDATE")
}

func (q *pgQueries) getBalance(ctx context.Context, clientID uuid.UUID, currency, suffix string) (int64, error) {
	var available int64
	query := `SELECT available FROM balances WHERE client_id = $1 AND currency = $2` + suffix
	err := q.db.QueryRow(ctx, query, clientID, currency).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lazily created rows read as zero.
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return available, nil
}

func (q *pgQueries) AddToBalance(ctx context.Context, clientID uuid.UUID, currency string, delta int64) error {
	query := `INSERT INTO balances (client_id, currency, available) VALUES ($1, $2, $3)
		ON CONFLICT (client_id, currency) DO UPDATE SET available = balances.available + EXCLUDED.available`
	if _, err := q.db.Exec(ctx, query, clientID, currency, delta); err != nil {
		return fmt.Errorf("add to balance: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) SumBalancesByCurrency(ctx context.Context) (map[string]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT currency, SUM(available) FROM balances GROUP BY currency`)
	if err != nil {
		return nil, fmt.Errorf("sum balances: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var currency string
		var total int64
		if err := rows.Scan(&currency, &total); err != nil {
			return nil, fmt.Errorf("scan balance total: %w", err)
		}
		totals[currency] = total
	}
	return totals, rows.Err()
}

func (q *pgQueries) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `INSERT INTO transactions (id, client_id, type, status, amount, currency, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW()) RETURNING created_at, updated_at`
	err := q.db.QueryRow(ctx, query, tx.ID, tx.ClientID, tx.Type, tx.Status, tx.Amount, tx.Currency, tx.Metadata).
		Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create transaction: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	var tx models.Transaction
	query := `SELECT id, client_id, type, status, amount, currency, metadata, created_at, updated_at
		FROM transactions WHERE id = $1`
	err := q.db.QueryRow(ctx, query, id).
		Scan(&tx.ID, &tx.ClientID, &tx.Type, &tx.Status, &tx.Amount, &tx.Currency, &tx.Metadata, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return models.Transaction{}, mapErr(err)
	}
	return tx, nil
}

func (q *pgQueries) CreateLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	query := `INSERT INTO ledger_entries (id, transaction_id, client_id, direction, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING created_at`
	err := q.db.QueryRow(ctx, query, entry.ID, entry.TransactionID, entry.ClientID, entry.Direction, entry.Amount, entry.Currency).
		Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("create ledger entry: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) ListLedgerEntries(ctx context.Context, transactionID uuid.UUID) ([]models.LedgerEntry, error) {
	query := `SELECT id, transaction_id, client_id, direction, amount, currency, created_at
		FROM ledger_entries WHERE transaction_id = $1 ORDER BY created_at`
	rows, err := q.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.ClientID, &e.Direction, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *pgQueries) GetIdempotencyRecord(ctx context.Context, eventID string) (models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	query := `SELECT event_id, kind, transaction_id, processed_at FROM idempotency_records WHERE event_id = $1`
	err := q.db.QueryRow(ctx, query, eventID).
		Scan(&rec.EventID, &rec.Kind, &rec.TransactionID, &rec.ProcessedAt)
	if err != nil {
		return models.IdempotencyRecord{}, mapErr(err)
	}
	return rec, nil
}

func (q *pgQueries) CreateIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	query := `INSERT INTO idempotency_records (event_id, kind, transaction_id, processed_at)
		VALUES ($1, $2, $3, NOW()) RETURNING processed_at`
	err := q.db.QueryRow(ctx, query, rec.EventID, rec.Kind, rec.TransactionID).Scan(&rec.ProcessedAt)
	if err != nil {
		return fmt.Errorf("create idempotency record: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) CreateAddress(ctx context.Context, addr *models.Address) error {
	query := `INSERT INTO addresses (id, client_id, chain, address, label, status, risk_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW()) RETURNING created_at, updated_at`
	err := q.db.QueryRow(ctx, query, addr.ID, addr.ClientID, addr.Chain, addr.Address, addr.Label, addr.Status, addr.RiskScore).
		Scan(&addr.CreatedAt, &addr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create address: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) GetAddress(ctx context.Context, id uuid.UUID) (models.Address, error) {
	return q.scanAddress(q.db.QueryRow(ctx,
		`SELECT id, client_id, chain, address, label, status, risk_score, created_at, updated_at
		FROM addresses WHERE id = $1`, id))
}

func (q *pgQueries) FindAddress(ctx context.Context, clientID uuid.UUID, chain, address string) (models.Address, error) {
	return q.scanAddress(q.db.QueryRow(ctx,
		`SELECT id, client_id, chain, address, label, status, risk_score, created_at, updated_at
		FROM addresses WHERE client_id = $1 AND chain = $2 AND address = $3`, clientID, chain, address))
}

func (q *pgQueries) scanAddress(row pgx.Row) (models.Address, error) {
	var addr models.Address
	err := row.Scan(&addr.ID, &addr.ClientID, &addr.Chain, &addr.Address, &addr.Label, &addr.Status, &addr.RiskScore, &addr.CreatedAt, &addr.UpdatedAt)
	if err != nil {
		return models.Address{}, mapErr(err)
	}
	return addr, nil
}

func (q *pgQueries) UpdateAddressStatus(ctx context.Context, id uuid.UUID, status string, riskScore *int) error {
	query := `UPDATE addresses SET status = $1, risk_score = COALESCE($2, risk_score), updated_at = NOW() WHERE id = $3`
	tag, err := q.db.Exec(ctx, query, status, riskScore, id)
	if err != nil {
		return fmt.Errorf("update address status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) CreateReleaseRequest(ctx context.Context, req *models.ReleaseRequest) error {
	query := `INSERT INTO release_requests
		(id, client_id, amount, chain, address, status, required_approvals, approvals_count, max_slippage_bps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW()) RETURNING created_at, updated_at`
	err := q.db.QueryRow(ctx, query,
		req.ID, req.ClientID, req.Amount.String(), req.Chain, req.Address, req.Status,
		req.RequiredApprovals, req.ApprovalsCount, req.MaxSlippageBps).
		Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create release request: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) GetReleaseRequest(ctx context.Context, id uuid.UUID) (models.ReleaseRequest, error) {
	return q.getReleaseRequest(ctx, id, "")
}

func (q *pgQueries) GetReleaseRequestForUpdate(ctx context.Context, id uuid.UUID) (models.ReleaseRequest, error) {
	return q.getReleaseRequest(ctx, id, " FOR UPDATE")
}

func (q *pgQueries) getReleaseRequest(ctx context.Context, id uuid.UUID, suffix string) (models.ReleaseRequest, error) {
	query := `SELECT id, client_id, amount::text, chain, address, status, required_approvals, approvals_count,
		max_slippage_bps, quote_rate::text, quote_expires_at, created_at, updated_at
		FROM release_requests WHERE id = $1` + suffix

	var req models.ReleaseRequest
	var amount string
	var quoteRate *string
	err := q.db.QueryRow(ctx, query, id).Scan(
		&req.ID, &req.ClientID, &amount, &req.Chain, &req.Address, &req.Status,
		&req.RequiredApprovals, &req.ApprovalsCount, &req.MaxSlippageBps,
		&quoteRate, &req.QuoteExpiresAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return models.ReleaseRequest{}, mapErr(err)
	}

	if req.Amount, err = decimal.NewFromString(amount); err != nil {
		return models.ReleaseRequest{}, fmt.Errorf("parse release amount: %w", err)
	}
	if quoteRate != nil {
		rate, err := decimal.NewFromString(*quoteRate)
		if err != nil {
			return models.ReleaseRequest{}, fmt.Errorf("parse quote rate: %w", err)
		}
		req.QuoteRate = &rate
	}
	return req, nil
}

func (q *pgQueries) UpdateReleaseRequestStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE release_requests SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update release status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) SetReleaseRequestApprovals(ctx context.Context, id uuid.UUID, count int) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE release_requests SET approvals_count = $1, updated_at = NOW() WHERE id = $2`, count, id)
	if err != nil {
		return fmt.Errorf("set approvals count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) AttachQuote(ctx context.Context, id uuid.UUID, rate decimal.Decimal, expiresAt time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE release_requests SET quote_rate = $1, quote_expires_at = $2, updated_at = NOW() WHERE id = $3`,
		rate.String(), expiresAt, id)
	if err != nil {
		return fmt.Errorf("attach quote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) InsertApproval(ctx context.Context, approval *models.ReleaseApproval) (bool, error) {
	query := `INSERT INTO release_approvals (request_id, approver_id, approved_at) VALUES ($1, $2, NOW())
		ON CONFLICT (request_id, approver_id) DO NOTHING`
	tag, err := q.db.Exec(ctx, query, approval.RequestID, approval.ApproverID)
	if err != nil {
		return false, fmt.Errorf("insert approval: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) CountApprovals(ctx context.Context, requestID uuid.UUID) (int, error) {
	var count int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM release_approvals WHERE request_id = $1`, requestID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count approvals: %w", err)
	}
	return count, nil
}

func (q *pgQueries) CreatePayout(ctx context.Context, payout *models.Payout) error {
	query := `INSERT INTO payouts (id, request_id, status, chain, tx_hash, network_fee, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW()) RETURNING created_at, updated_at`
	err := q.db.QueryRow(ctx, query,
		payout.ID, payout.RequestID, payout.Status, payout.Chain, payout.TxHash, payout.NetworkFee.String()).
		Scan(&payout.CreatedAt, &payout.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create payout: %w", mapErr(err))
	}
	return nil
}

func (q *pgQueries) GetPayout(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	return q.scanPayout(q.db.QueryRow(ctx,
		`SELECT id, request_id, status, chain, tx_hash, network_fee::text, created_at, updated_at
		FROM payouts WHERE id = $1`, id))
}

func (q *pgQueries) GetPayoutByRequest(ctx context.Context, requestID uuid.UUID) (models.Payout, error) {
	return q.scanPayout(q.db.QueryRow(ctx,
		`SELECT id, request_id, status, chain, tx_hash, network_fee::text, created_at, updated_at
		FROM payouts WHERE request_id = $1`, requestID))
}

func (q *pgQueries) scanPayout(row pgx.Row) (models.Payout, error) {
	var p models.Payout
	var fee string
	err := row.Scan(&p.ID, &p.RequestID, &p.Status, &p.Chain, &p.TxHash, &fee, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Payout{}, mapErr(err)
	}
	if p.NetworkFee, err = decimal.NewFromString(fee); err != nil {
		return models.Payout{}, fmt.Errorf("parse network fee: %w", err)
	}
	return p, nil
}

func (q *pgQueries) SetPayoutTxHash(ctx context.Context, requestID uuid.UUID, txHash string, networkFee decimal.Decimal) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE payouts SET tx_hash = $1, network_fee = $2, updated_at = NOW() WHERE request_id = $3`,
		txHash, networkFee.String(), requestID)
	if err != nil {
		return fmt.Errorf("set payout tx hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) AddToCustodialBalance(ctx context.Context, currency string, delta int64) error {
	query := `INSERT INTO custodial_balances (currency, available) VALUES ($1, $2)
		ON CONFLICT (currency) DO UPDATE SET available = custodial_balances.available + EXCLUDED.available`
	if _, err := q.db.Exec(ctx, query, currency, delta); err != nil {
		return fmt.Errorf("add to custodial balance: %w", err)
	}
	return nil
}

func (q *pgQueries) ListCustodialBalances(ctx context.Context) (map[string]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT currency, available FROM custodial_balances`)
	if err != nil {
		return nil, fmt.Errorf("list custodial balances: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var currency string
		var available int64
		if err := rows.Scan(&currency, &available); err != nil {
			return nil, fmt.Errorf("scan custodial balance: %w", err)
		}
		totals[currency] = available
	}
	return totals, rows.Err()
}
