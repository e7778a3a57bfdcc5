package service

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileBalancedBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.fund(t, clientID, "evt_1", 2_500_000)

	report, err := f.recon.Reconcile(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, report.Breaks)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, "JPY", report.Rows[0].Currency)
	assert.Equal(t, int64(2_500_000), report.Rows[0].InternalTotal)
	assert.Equal(t, int64(2_500_000), report.Rows[0].CustodialTotal)
	assert.Zero(t, report.Rows[0].Delta)
}

func TestReconcileStaysBalancedAfterPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "evt_1", 2_500_000)

	req := approvedRequest(t, f, clientID, decimal.NewFromInt(15000), 0)
	_, err := f.payouts.ExecutePayout(ctx, req.ID)
	require.NoError(t, err)

	// Payout debits internal and custodial in lock-step.
	report, err := f.recon.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Breaks)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, int64(2_500_000-2_250_000), report.Rows[0].InternalTotal)
	assert.Zero(t, report.Rows[0].Delta)
}

func TestReconcileReportsOneSidedDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.fund(t, clientID, "evt_1", 2_500_000)

	// Simulate the provider moving funds without a matching internal
	// entry.
	require.NoError(t, f.store.Queries().AddToCustodialBalance(ctx, "JPY", -250_000))

	report, err := f.recon.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Breaks)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, int64(250_000), report.Rows[0].Delta)
}

func TestReconcileCoversCurrenciesOnEitherSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.fund(t, clientID, "evt_jpy", 1000)

	// A currency only the custodian knows about still shows up.
	require.NoError(t, f.store.Queries().AddToCustodialBalance(ctx, "USD", 77))

	report, err := f.recon.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)
	assert.Equal(t, "JPY", report.Rows[0].Currency)
	assert.Equal(t, "USD", report.Rows[1].Currency)
	assert.Equal(t, int64(-77), report.Rows[1].Delta)
	assert.Equal(t, 1, report.Breaks)
}

func TestReconcileWritesCSVArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.fund(t, clientID, "evt_1", 500)

	date := time.Date(2026, 3, 1, 15, 4, 5, 0, time.UTC)
	report, err := f.recon.Reconcile(ctx, date)
	require.NoError(t, err)
	assert.Contains(t, report.Path, "recon_2026-03-01.csv")

	file, err := os.Open(report.Path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"currency", "internal_total", "custodial_total", "delta"}, rows[0])
	assert.Equal(t, []string{"JPY", "500", "500", "0"}, rows[1])
}
