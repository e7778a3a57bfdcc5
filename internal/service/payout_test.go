package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/config"
	"github.com/escrowsim/escrow-engine/internal/domain"
	"github.com/escrowsim/escrow-engine/internal/gateway"
	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/escrowsim/escrow-engine/internal/notifier"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// approvedRequest walks a request through whitelist, quoting and quorum.
func approvedRequest(t *testing.T, f *fixture, clientID uuid.UUID, amount decimal.Decimal, bps int) *models.ReleaseRequest {
	t.Helper()
	ctx := context.Background()

	req, err := f.releases.Create(ctx, CreateReleaseRequest{
		ClientID:       clientID,
		Amount:         amount,
		Chain:          "eth",
		Address:        "0xdest",
		MaxSlippageBps: bps,
	})
	require.NoError(t, err)

	_, err = f.quotes.QuoteRequest(ctx, req.ID)
	require.NoError(t, err)

	approvers := []string{"ops-1", "ops-2"}[:req.RequiredApprovals]
	for _, approver := range approvers {
		_, err = f.releases.Approve(ctx, req.ID, approver)
		require.NoError(t, err)
	}

	out, err := f.releases.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReleaseStatusApproved, out.Status)
	return out
}

func TestExecutePayoutNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.payouts.ExecutePayout(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestExecutePayoutRequiresApprovedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")

	req, err := f.releases.Create(ctx, CreateReleaseRequest{
		ClientID:       clientID,
		Amount:         decimal.NewFromInt(15000),
		Chain:          "eth",
		Address:        "0xdest",
		MaxSlippageBps: 50,
	})
	require.NoError(t, err)

	_, err = f.payouts.ExecutePayout(ctx, req.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecutePayoutRequiresQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "evt_fund", 10_000_000)

	req, err := f.releases.Create(ctx, CreateReleaseRequest{
		ClientID:       clientID,
		Amount:         decimal.NewFromInt(100),
		Chain:          "eth",
		Address:        "0xdest",
		MaxSlippageBps: 50,
	})
	require.NoError(t, err)
	_, err = f.releases.Approve(ctx, req.ID, "ops-1")
	require.NoError(t, err)

	_, err = f.payouts.ExecutePayout(ctx, req.ID)
	assert.ErrorIs(t, err, ErrQuoteMissing)
}

func TestExecutePayoutRejectsExpiredQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "evt_fund", 10_000_000)

	req := approvedRequest(t, f, clientID, decimal.NewFromInt(100), 50)

	f.payouts.now = func() time.Time { return req.QuoteExpiresAt.Add(time.Second) }
	_, err := f.payouts.ExecutePayout(ctx, req.ID)
	assert.ErrorIs(t, err, ErrQuoteExpired)

	// Nothing moved.
	assert.Equal(t, int64(10_000_000), f.balance(t, clientID, "JPY"))
	reloaded, err := f.releases.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReleaseStatusApproved, reloaded.Status)
}

func TestExecutePayoutInsufficientFundsLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "evt_fund", 1000)

	req := approvedRequest(t, f, clientID, decimal.NewFromInt(15000), 50)

	_, err := f.payouts.ExecutePayout(ctx, req.ID)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(1000), f.balance(t, clientID, "JPY"))
	custodial, err := f.store.Queries().ListCustodialBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), custodial["JPY"])

	reloaded, err := f.releases.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReleaseStatusApproved, reloaded.Status)
	_, err = f.store.Queries().GetPayoutByRequest(ctx, req.ID)
	assert.Error(t, err)
}

func TestExecutePayoutEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "e1", 2_500_000)

	req := approvedRequest(t, f, clientID, decimal.NewFromInt(15000), 50)
	require.Equal(t, 2, req.RequiredApprovals)

	// rate = 150 * (1 + 50/10000 * 0.2) = 150.15
	require.NotNil(t, req.QuoteRate)
	assert.True(t, req.QuoteRate.Equal(decimal.RequireFromString("150.15")))

	payout, err := f.payouts.ExecutePayout(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusSent, payout.Status)
	assert.Equal(t, "eth", payout.Chain)
	assert.Empty(t, payout.TxHash)

	// ceil(15000 * 150.15) = 2,252,250
	wantDebit := int64(2_252_250)
	assert.Equal(t, 2_500_000-wantDebit, f.balance(t, clientID, "JPY"))

	custodial, err := f.store.Queries().ListCustodialBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2_500_000-wantDebit, custodial["JPY"])

	reloaded, err := f.releases.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReleaseStatusCompleted, reloaded.Status)

	// Replaying the funding event after the payout changes nothing.
	replay, err := f.deposits.RecordDeposit(ctx, FundingEvent{
		EventID: "e1", ClientID: clientID, Amount: 2_500_000, Currency: "JPY",
	})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, 2_500_000-wantDebit, f.balance(t, clientID, "JPY"))

	// Integration hook saw the payout.
	events := f.notified.all()
	require.Len(t, events, 1)
	assert.Equal(t, req.ID.String(), events[0].RequestID)
	assert.Equal(t, "payout", events[0].Action)

	// The full chain stays verifiable.
	n, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestExecutePayoutTwiceDebitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "evt_fund", 10_000_000)

	req := approvedRequest(t, f, clientID, decimal.NewFromInt(100), 50)

	const attempts = 4
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, results[n] = f.payouts.ExecutePayout(ctx, req.ID)
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
	}
	assert.Equal(t, 1, succeeded)

	// ceil(100 * 150.15) = 15015, debited exactly once.
	assert.Equal(t, int64(10_000_000-15_015), f.balance(t, clientID, "JPY"))

	payout, err := f.store.Queries().GetPayoutByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusSent, payout.Status)
}

func TestRecordPayoutSentBackfillsTxHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "evt_fund", 10_000_000)

	req := approvedRequest(t, f, clientID, decimal.NewFromInt(100), 50)
	_, err := f.payouts.ExecutePayout(ctx, req.ID)
	require.NoError(t, err)

	payout, err := f.payouts.RecordPayoutSent(ctx, req.ID, "0xdeadbeef", decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", payout.TxHash)
	assert.True(t, payout.NetworkFee.Equal(decimal.RequireFromString("1.5")))

	// Zero fee keeps the assumed flat fee.
	payout, err = f.payouts.RecordPayoutSent(ctx, req.ID, "0xdeadbeef", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, payout.NetworkFee.Equal(decimal.RequireFromString("1.5")))
}

func TestRecordPayoutSentUnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.payouts.RecordPayoutSent(context.Background(), uuid.New(), "0xhash", decimal.Zero)
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

// captureSubmitter records provider submissions for assertions.
type captureSubmitter struct {
	mu   sync.Mutex
	reqs []gateway.SubmitRequest
}

func (c *captureSubmitter) Submit(_ context.Context, req gateway.SubmitRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return nil
}

func (c *captureSubmitter) all() []gateway.SubmitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.SubmitRequest(nil), c.reqs...)
}

func TestExecutePayoutSubmitsFiatDebitToProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "evt_fund", 1_000_000)

	captured := &captureSubmitter{}
	payouts := NewPayoutService(f.store, captured, notifier.Nop{}, f.auditLog, config.PayoutConfig{
		FiatCurrency: "JPY",
		NetworkFee:   decimal.RequireFromString("1.0"),
	})

	// 100 units at 50 bps quote 150.15 JPY/unit, ceil to 15,015 JPY.
	req := approvedRequest(t, f, clientID, decimal.NewFromInt(100), 50)
	payout, err := payouts.ExecutePayout(ctx, req.ID)
	require.NoError(t, err)

	subs := captured.all()
	require.Len(t, subs, 1)
	assert.Equal(t, req.ID.String(), subs[0].RequestID)
	assert.Equal(t, payout.ID.String(), subs[0].PayoutID)
	assert.Equal(t, "100", subs[0].Amount)
	assert.Equal(t, domain.NewMoney(15_015, "JPY"), subs[0].Fiat)
	assert.Equal(t, "15015 JPY", subs[0].Fiat.String())
}
