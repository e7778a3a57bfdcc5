package service

import (
	"context"
	"testing"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDepositCreditsBalanceAndMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)

	res, err := f.deposits.RecordDeposit(ctx, FundingEvent{
		EventID:  "evt_1",
		ClientID: clientID,
		Amount:   2_500_000,
		Currency: "jpy",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEqual(t, uuid.Nil, res.TransactionID)

	assert.Equal(t, int64(2_500_000), f.balance(t, clientID, "JPY"))

	custodial, err := f.store.Queries().ListCustodialBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), custodial["JPY"])

	entries, err := f.store.Queries().ListLedgerEntries(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "credit", entries[0].Direction)
	assert.Equal(t, int64(2_500_000), entries[0].Amount)
}

func TestRecordDepositReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)

	event := FundingEvent{EventID: "evt_replay", ClientID: clientID, Amount: 1000, Currency: "JPY"}
	first, err := f.deposits.RecordDeposit(ctx, event)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		replay, err := f.deposits.RecordDeposit(ctx, event)
		require.NoError(t, err)
		assert.True(t, replay.Duplicate)
		assert.Equal(t, first.TransactionID, replay.TransactionID)
	}

	assert.Equal(t, int64(1000), f.balance(t, clientID, "JPY"))
}

func TestRecordDepositRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)

	cases := []struct {
		name  string
		event FundingEvent
	}{
		{"zero amount", FundingEvent{EventID: "e1", ClientID: clientID, Amount: 0, Currency: "JPY"}},
		{"negative amount", FundingEvent{EventID: "e2", ClientID: clientID, Amount: -5, Currency: "JPY"}},
		{"missing event id", FundingEvent{ClientID: clientID, Amount: 100, Currency: "JPY"}},
		{"missing currency", FundingEvent{EventID: "e3", ClientID: clientID, Amount: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.deposits.RecordDeposit(ctx, tc.event)
			assert.Error(t, err)
		})
	}

	assert.Zero(t, f.balance(t, clientID, "JPY"))
}

func TestRecordDepositUnknownClient(t *testing.T) {
	f := newFixture(t)

	_, err := f.deposits.RecordDeposit(context.Background(), FundingEvent{
		EventID:  "evt_ghost",
		ClientID: uuid.New(),
		Amount:   100,
		Currency: "JPY",
	})
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestRecordDepositAcceptsAnyCurrencyTag(t *testing.T) {
	f := newFixture(t)
	clientID := f.newClient(t)

	// No currency whitelist: unknown tags are accepted as-is.
	res, err := f.deposits.RecordDeposit(context.Background(), FundingEvent{
		EventID:  "evt_xcur",
		ClientID: clientID,
		Amount:   42,
		Currency: "xyz",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(42), f.balance(t, clientID, "XYZ"))
}

func TestRecordDepositAuditsEveryApplication(t *testing.T) {
	f := newFixture(t)
	clientID := f.newClient(t)

	f.fund(t, clientID, "evt_a", 100)
	f.fund(t, clientID, "evt_b", 200)

	entries, err := audit.ReadAll(f.auditPath)
	require.NoError(t, err)

	var applied int
	for _, e := range entries {
		if e.Kind == "deposit_applied" {
			applied++
		}
	}
	assert.Equal(t, 2, applied)

	n, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
	assert.Equal(t, len(entries), n)
}
