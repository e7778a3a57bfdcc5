package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signPayload(payload []byte) string {
	h := hmac.New(sha256.New, []byte(testHMACKey))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func fundingPayload(eventID string, clientID uuid.UUID, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":"funding.received","created_at":"2026-03-01T00:00:00Z","data":{"client_id":%q,"amount":%d,"currency":"JPY"}}`,
		eventID, clientID, amount))
}

func TestHandleFundingEventAppliesDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)

	payload := fundingPayload("evt_wh_1", clientID, 2_500_000)
	res, err := f.webhooks.HandleFundingEvent(ctx, payload, signPayload(payload))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(2_500_000), f.balance(t, clientID, "JPY"))

	// Redelivery short-circuits.
	res, err = f.webhooks.HandleFundingEvent(ctx, payload, signPayload(payload))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(2_500_000), f.balance(t, clientID, "JPY"))
}

func TestHandleFundingEventRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	clientID := f.newClient(t)

	payload := fundingPayload("evt_wh_2", clientID, 100)
	_, err := f.webhooks.HandleFundingEvent(context.Background(), payload, "sha256=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.webhooks.HandleFundingEvent(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Zero(t, f.balance(t, clientID, "JPY"))
}

func TestHandleFundingEventRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)

	payload := []byte(`{"id":"evt_bad","data":{"client_id":"not-a-uuid","amount":100,"currency":"JPY"}}`)
	_, err := f.webhooks.HandleFundingEvent(context.Background(), payload, signPayload(payload))
	assert.Error(t, err)

	payload = []byte(`not json`)
	_, err = f.webhooks.HandleFundingEvent(context.Background(), payload, signPayload(payload))
	assert.Error(t, err)
}

func TestHandlePayoutSentBackfills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientID := f.newClient(t)
	f.approvedAddress(t, clientID, "eth", "0xdest")
	f.fund(t, clientID, "evt_fund", 10_000_000)

	req := approvedRequest(t, f, clientID, decimal.NewFromInt(100), 50)
	_, err := f.payouts.ExecutePayout(ctx, req.ID)
	require.NoError(t, err)

	payload := []byte(fmt.Sprintf(`{"request_id":%q,"tx_hash":"0xabc123","network_fee":"2.5"}`, req.ID))
	payout, err := f.webhooks.HandlePayoutSent(ctx, payload, signPayload(payload))
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", payout.TxHash)
	assert.True(t, payout.NetworkFee.Equal(decimal.RequireFromString("2.5")))
}

func TestHandlePayoutSentUnknownRequest(t *testing.T) {
	f := newFixture(t)

	payload := []byte(fmt.Sprintf(`{"request_id":%q,"tx_hash":"0xabc"}`, uuid.New()))
	_, err := f.webhooks.HandlePayoutSent(context.Background(), payload, signPayload(payload))
	assert.ErrorIs(t, err, ErrPayoutNotFound)
}

func TestSkipSignatureMode(t *testing.T) {
	f := newFixture(t)
	clientID := f.newClient(t)
	open := NewWebhookService(f.deposits, f.payouts, "", true)

	payload := fundingPayload("evt_open", clientID, 50)
	res, err := open.HandleFundingEvent(context.Background(), payload, "")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}
