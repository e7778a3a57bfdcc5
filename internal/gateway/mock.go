package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/escrowsim/escrow-engine/internal/domain"
)

// SubmitRequest carries everything the external custodial provider needs
// to broadcast a payout on-chain. Amount is the asset amount released;
// Fiat is the ledger debit backing it.
type SubmitRequest struct {
	RequestID string
	PayoutID  string
	Chain     string
	Address   string
	Amount    string
	Fiat      domain.Money
}

// Submitter is the external payout-transmission seam. Submission happens
// strictly after the ledger debit commits; a failed submission is logged
// and audited, never rolled back.
type Submitter interface {
	// Submit hands the payout to the provider. The provider reports the
	// on-chain tx hash later through the payout-sent webhook.
	Submit(ctx context.Context, req SubmitRequest) error
}

// MockSubmitter simulates the external provider for local runs.
// It introduces a short random delay and fails ~10% of the time.
type MockSubmitter struct {
	// FailureRate is the probability of failure (0.0 to 1.0). Default: 0.1 (10%)
	FailureRate float64
	// Delay caps the simulated network latency. Default: 200ms.
	Delay time.Duration
}

// NewMockSubmitter creates a new MockSubmitter with default settings.
func NewMockSubmitter() *MockSubmitter {
	return &MockSubmitter{
		FailureRate: 0.1,
		Delay:       200 * time.Millisecond,
	}
}

// Submit simulates handing a payout to the external provider.
func (g *MockSubmitter) Submit(ctx context.Context, req SubmitRequest) error {
	delay := time.Duration(rand.Int63n(int64(g.Delay) + 1))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return fmt.Errorf("submitter call canceled: %w", ctx.Err())
	}

	if rand.Float64() < g.FailureRate {
		return fmt.Errorf("provider temporarily unavailable")
	}
	return nil
}
