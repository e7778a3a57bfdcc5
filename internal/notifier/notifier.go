// Package notifier delivers advisory events to an external integration
// endpoint. Delivery is best-effort: the ledger has already committed by
// the time a notification fires, so failures are recorded, not retried.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event is the payload sent to the integration hook after a payout.
type Event struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	ClientID  string `json:"client_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Chain     string `json:"chain"`
	Address   string `json:"address"`
	Status    string `json:"status"`
}

// Notifier is the post-commit notification seam.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop discards every notification. Used when no integration endpoint is
// configured.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// HTTPNotifier POSTs events to a configured endpoint, signed with the
// same HMAC scheme the inbound webhooks use.
type HTTPNotifier struct {
	endpoint string
	hmacKey  []byte
	client   *http.Client
}

// NewHTTPNotifier creates a notifier for the given endpoint.
func NewHTTPNotifier(endpoint, hmacKey string) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint: endpoint,
		hmacKey:  []byte(hmacKey),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify delivers one event. A non-2xx response is an error.
func (n *HTTPNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.hmacKey) > 0 {
		h := hmac.New(sha256.New, n.hmacKey)
		h.Write(body)
		req.Header.Set("X-Signature", "sha256="+hex.EncodeToString(h.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
