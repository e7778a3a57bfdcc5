package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/escrowsim/escrow-engine/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidSignature = errors.New("invalid signature")

// WebhookService verifies and routes inbound provider webhooks: funding
// events to the deposit ledger and payout-sent notifications to the
// payout backfill.
type WebhookService struct {
	deposits *DepositService
	payouts  *PayoutService
	hmacKey  []byte
	skipSig  bool
}

// NewWebhookService creates a new WebhookService instance.
func NewWebhookService(deposits *DepositService, payouts *PayoutService, hmacKey string, skipSignature bool) *WebhookService {
	return &WebhookService{
		deposits: deposits,
		payouts:  payouts,
		hmacKey:  []byte(hmacKey),
		skipSig:  skipSignature,
	}
}

// fundingEventPayload is the provider's funding notification envelope.
type fundingEventPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		ClientID string `json:"client_id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// HandleFundingEvent processes one deposit webhook delivery. The
// provider delivers at-least-once; replays short-circuit on the event
// id.
func (s *WebhookService) HandleFundingEvent(ctx context.Context, payload []byte, signature string) (*DepositResult, error) {
	if !s.verifyHMAC(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var event fundingEventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, errors.New("id is required")
	}

	clientID, err := uuid.Parse(strings.TrimSpace(event.Data.ClientID))
	if err != nil {
		return nil, fmt.Errorf("invalid client_id: %w", err)
	}

	return s.deposits.RecordDeposit(ctx, FundingEvent{
		EventID:  event.ID,
		ClientID: clientID,
		Amount:   event.Data.Amount,
		Currency: event.Data.Currency,
	})
}

// payoutSentPayload is the provider's broadcast confirmation.
type payoutSentPayload struct {
	RequestID  string `json:"request_id"`
	TxHash     string `json:"tx_hash"`
	NetworkFee string `json:"network_fee"`
}

// HandlePayoutSent backfills the tx hash onto the payout the provider
// just broadcast.
func (s *WebhookService) HandlePayoutSent(ctx context.Context, payload []byte, signature string) (*models.Payout, error) {
	if !s.verifyHMAC(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var event payoutSentPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	requestID, err := uuid.Parse(strings.TrimSpace(event.RequestID))
	if err != nil {
		return nil, fmt.Errorf("invalid request_id: %w", err)
	}

	fee := decimal.Zero
	if strings.TrimSpace(event.NetworkFee) != "" {
		fee, err = decimal.NewFromString(strings.TrimSpace(event.NetworkFee))
		if err != nil {
			return nil, fmt.Errorf("invalid network_fee: %w", err)
		}
	}

	return s.payouts.RecordPayoutSent(ctx, requestID, event.TxHash, fee)
}

// verifyHMAC verifies the HMAC signature of the payload.
func (s *WebhookService) verifyHMAC(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 {
		return false
	}

	h := hmac.New(sha256.New, s.hmacKey)
	h.Write(payload)
	expectedSig := "sha256=" + hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSig))
}
