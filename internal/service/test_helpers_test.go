package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/config"
	"github.com/escrowsim/escrow-engine/internal/domain"
	"github.com/escrowsim/escrow-engine/internal/gateway"
	"github.com/escrowsim/escrow-engine/internal/idempotency"
	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/escrowsim/escrow-engine/internal/notifier"
	"github.com/escrowsim/escrow-engine/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger { return zap.NewNop() }

// captureNotifier records delivered events for assertions.
type captureNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (n *captureNotifier) Notify(_ context.Context, event notifier.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *captureNotifier) all() []notifier.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Event(nil), n.events...)
}

type fixture struct {
	store     *store.Memory
	auditLog  *audit.Log
	auditPath string
	notified  *captureNotifier

	clients   *ClientService
	deposits  *DepositService
	addresses *AddressService
	releases  *ReleaseService
	quotes    *QuoteService
	payouts   *PayoutService
	recon     *ReconciliationService
	webhooks  *WebhookService
}

const testHMACKey = "test-hmac-key"

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := idempotency.NewCache(rdb, time.Hour)

	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	auditLog, err := audit.Open(auditPath, testLogger())
	require.NoError(t, err)

	mem := store.NewMemory()
	notified := &captureNotifier{}
	submitter := &gateway.MockSubmitter{FailureRate: 0, Delay: time.Millisecond}

	approvalCfg := config.ApprovalConfig{
		SingleApprovalCeiling: decimal.NewFromInt(5000),
		QuorumApprovals:       2,
	}
	quoteCfg := config.QuoteConfig{
		BaseRate: decimal.RequireFromString("150.0"),
		Validity: 2 * time.Minute,
	}
	payoutCfg := config.PayoutConfig{
		FiatCurrency: "JPY",
		NetworkFee:   decimal.RequireFromString("1.0"),
	}

	f := &fixture{
		store:     mem,
		auditLog:  auditLog,
		auditPath: auditPath,
		notified:  notified,
	}
	f.clients = NewClientService(mem, auditLog)
	f.deposits = NewDepositService(mem, auditLog, cache)
	f.addresses = NewAddressService(mem, auditLog)
	f.releases = NewReleaseService(mem, f.addresses, auditLog, approvalCfg)
	f.quotes = NewQuoteService(mem, auditLog, quoteCfg)
	f.payouts = NewPayoutService(mem, submitter, notified, auditLog, payoutCfg)
	f.recon = NewReconciliationService(mem, auditLog, filepath.Join(dir, "reports"))
	f.webhooks = NewWebhookService(f.deposits, f.payouts, testHMACKey, false)
	return f
}

// newClient provisions a client directly in the store.
func (f *fixture) newClient(t *testing.T) uuid.UUID {
	t.Helper()
	client := &models.Client{ID: uuid.New(), Name: "client"}
	require.NoError(t, f.store.Queries().CreateClient(context.Background(), client))
	return client.ID
}

// fund credits a JPY balance through the deposit ledger.
func (f *fixture) fund(t *testing.T, clientID uuid.UUID, eventID string, amount int64) {
	t.Helper()
	res, err := f.deposits.RecordDeposit(context.Background(), FundingEvent{
		EventID:  eventID,
		ClientID: clientID,
		Amount:   amount,
		Currency: "JPY",
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
}

// approvedAddress whitelists and approves a destination.
func (f *fixture) approvedAddress(t *testing.T, clientID uuid.UUID, chain, address string) {
	t.Helper()
	addr, err := f.addresses.Add(context.Background(), AddAddressRequest{
		ClientID: clientID,
		Chain:    chain,
		Address:  address,
	})
	require.NoError(t, err)
	_, err = f.addresses.SetStatus(context.Background(), addr.ID, domain.AddressStatusApproved, nil)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, clientID uuid.UUID, currency string) int64 {
	t.Helper()
	available, err := f.store.Queries().GetBalance(context.Background(), clientID, currency)
	require.NoError(t, err)
	return available
}
