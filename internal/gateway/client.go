package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gatewaymodel "github.com/vendora/payment-core/internal/core/datamodel/gateway"
	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	CallbackURL   string
	Timeout       time.Duration
}

// Client is the only component that talks to the external payment provider.
type Client struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	callbackURL   string
	httpClient    *http.Client
	logger        *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:       strings.TrimRight(config.BaseURL, "/"),
		apiKey:        config.APIKey,
		webhookSecret: config.WebhookSecret,
		callbackURL:   config.CallbackURL,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

// remoteStatusTable maps the provider's status vocabulary onto the canonical
// enum. The table is total: anything unlisted maps to failed via MapRemoteStatus.
var remoteStatusTable = map[string]paymentmodel.Status{
	"created":     paymentmodel.StatusPending,
	"pending":     paymentmodel.StatusPending,
	"awaiting":    paymentmodel.StatusPending,
	"processing":  paymentmodel.StatusProcessing,
	"in_progress": paymentmodel.StatusProcessing,
	"authorized":  paymentmodel.StatusProcessing,
	"completed":   paymentmodel.StatusCompleted,
	"success":     paymentmodel.StatusCompleted,
	"paid":        paymentmodel.StatusCompleted,
	"failed":      paymentmodel.StatusFailed,
	"error":       paymentmodel.StatusFailed,
	"declined":    paymentmodel.StatusFailed,
	"cancelled":   paymentmodel.StatusCancelled,
	"canceled":    paymentmodel.StatusCancelled,
	"expired":     paymentmodel.StatusCancelled,
	"refunded":    paymentmodel.StatusRefunded,
}

// MapRemoteStatus converts a provider status string to the canonical status.
// Unrecognized values map to failed and are logged, never silently dropped.
func (c *Client) MapRemoteStatus(remote string) paymentmodel.Status {
	if status, ok := remoteStatusTable[strings.ToLower(strings.TrimSpace(remote))]; ok {
		return status
	}
	c.logger.Warn("unrecognized gateway status, mapping to failed", "remote_status", remote)
	return paymentmodel.StatusFailed
}

type createRemotePayload struct {
	OrderID     string         `json:"order_id"`
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency"`
	Method      string         `json:"method,omitempty"`
	CallbackURL string         `json:"callback_url"`
	RedirectURL string         `json:"redirect_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type remoteEnvelope struct {
	Data struct {
		ID          string     `json:"id"`
		OrderID     string     `json:"order_id"`
		Status      string     `json:"status"`
		RedirectURL string     `json:"redirect_url"`
		QRCode      string     `json:"qr_code"`
		ExpiresAt   *time.Time `json:"expires_at"`
	} `json:"data"`
}

// CreateRemote registers a payment with the provider. Any non-2xx response or
// transport failure yields a *gatewaymodel.Error carrying the raw message.
func (c *Client) CreateRemote(ctx context.Context, req *gatewaymodel.CreateRequest) (*gatewaymodel.CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, &gatewaymodel.Error{Op: "create", Err: err}
	}

	payload := createRemotePayload{
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      req.Method,
		CallbackURL: req.CallbackURL,
		RedirectURL: req.RedirectURL,
		Metadata:    req.Metadata,
	}
	if payload.CallbackURL == "" {
		payload.CallbackURL = c.callbackURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &gatewaymodel.Error{Op: "create", Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, &gatewaymodel.Error{Op: "create", Err: err}
	}
	c.setHeaders(httpReq, true)

	c.logger.Info("creating remote payment",
		"order_id", req.OrderID,
		"amount", req.Amount,
		"currency", req.Currency)

	var envelope remoteEnvelope
	if gerr := c.do(httpReq, "create", &envelope); gerr != nil {
		return nil, gerr
	}

	c.logger.Info("remote payment created",
		"remote_id", envelope.Data.ID,
		"order_id", envelope.Data.OrderID,
		"status", envelope.Data.Status)

	return &gatewaymodel.CreateResponse{
		RemoteID:    envelope.Data.ID,
		Status:      envelope.Data.Status,
		RedirectURL: envelope.Data.RedirectURL,
		QRCode:      envelope.Data.QRCode,
		ExpiresAt:   envelope.Data.ExpiresAt,
	}, nil
}

// QueryRemoteStatus fetches the provider's current status for a remote
// payment and maps it to the canonical enum.
func (c *Client) QueryRemoteStatus(ctx context.Context, remoteID string) (paymentmodel.Status, error) {
	url := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, remoteID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &gatewaymodel.Error{Op: "query", Err: err}
	}
	c.setHeaders(httpReq, false)

	var envelope remoteEnvelope
	if gerr := c.do(httpReq, "query", &envelope); gerr != nil {
		return "", gerr
	}

	return c.MapRemoteStatus(envelope.Data.Status), nil
}

// RequestRefund asks the provider to refund a payment. A nil amount means a
// full refund.
func (c *Client) RequestRefund(ctx context.Context, remoteID string, amount *int64) (bool, error) {
	payload := map[string]any{}
	if amount != nil {
		payload["amount"] = *amount
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, &gatewaymodel.Error{Op: "refund", Err: err}
	}

	url := fmt.Sprintf("%s/v1/payments/%s/refund", c.baseURL, remoteID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, &gatewaymodel.Error{Op: "refund", Err: err}
	}
	c.setHeaders(httpReq, true)

	c.logger.Info("requesting refund", "remote_id", remoteID)

	var envelope remoteEnvelope
	if gerr := c.do(httpReq, "refund", &envelope); gerr != nil {
		return false, gerr
	}

	return true, nil
}

// VerifyWebhookSignature computes HMAC-SHA256 over the exact raw request body
// and compares it in constant time against the hex-encoded signature. It must
// operate on raw bytes: re-serializing the payload would break signatures
// over formatting differences.
func (c *Client) VerifyWebhookSignature(rawPayload []byte, providedSignature string) bool {
	if providedSignature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(rawPayload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(providedSignature)))
}

// ParseWebhookEvent performs a structural parse of the raw payload. It
// returns nil on malformed JSON so the caller can respond with a clean 4xx.
func (c *Client) ParseWebhookEvent(rawPayload []byte) *gatewaymodel.WebhookEvent {
	var event gatewaymodel.WebhookEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		c.logger.Warn("malformed webhook payload", "error", err)
		return nil
	}
	if event.ID == "" || event.Type == "" {
		c.logger.Warn("webhook payload missing id or type")
		return nil
	}
	return &event
}

func (c *Client) setHeaders(req *http.Request, stateChanging bool) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if stateChanging {
		// anti-replay token for state-changing calls
		req.Header.Set("X-Request-Token", uuid.NewString())
	}
}

func (c *Client) do(req *http.Request, op string, out any) *gatewaymodel.Error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("gateway request failed", "op", op, "error", err)
		return &gatewaymodel.Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &gatewaymodel.Error{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Error("gateway returned error",
			"op", op,
			"status", resp.StatusCode,
			"response", string(body))
		return &gatewaymodel.Error{Op: op, StatusCode: resp.StatusCode, RawMessage: string(body)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &gatewaymodel.Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}

	return nil
}
