package gateway

import (
	"errors"
	"fmt"
	"time"
)

type CreateRequest struct {
	OrderID     string         `json:"order_id"`
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency"`
	Method      string         `json:"method"`
	CallbackURL string         `json:"callback_url"`
	RedirectURL string         `json:"redirect_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if r.OrderID == "" {
		return errors.New("order_id is required")
	}
	if r.Amount <= 0 {
		return errors.New("amount must be greater than 0")
	}
	if len(r.Currency) != 3 {
		return errors.New("currency must be a 3-letter code")
	}
	return nil
}

type CreateResponse struct {
	RemoteID    string     `json:"remote_id"`
	Status      string     `json:"status"`
	RedirectURL string     `json:"redirect_url,omitempty"`
	QRCode      string     `json:"qr_code,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// WebhookEvent is the parsed form of an inbound gateway notification. It is
// ephemeral: only the event id survives, inside the dedup window.
type WebhookEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Data      WebhookData `json:"data"`
	Signature string      `json:"signature,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type WebhookData struct {
	OrderID              string `json:"order_id"`
	Status               string `json:"status,omitempty"`
	GatewayTransactionID string `json:"gateway_payment_id,omitempty"`
	FailureReason        string `json:"failure_reason,omitempty"`
}

// Error carries the raw provider failure so the caller can decide
// retryability.
type Error struct {
	Op         string
	StatusCode int
	RawMessage string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	if e.RawMessage != "" {
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.RawMessage)
	}
	return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}
