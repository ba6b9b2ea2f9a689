package payment

import (
	errors "github.com/vendora/payment-core/internal"
	"github.com/vendora/payment-core/internal/core/common/validation"
	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
)

type CreatePaymentRequest struct {
	OrderID  string         `json:"order_id"`
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Method   string         `json:"method"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks structural constraints; the enabled-methods check lives in
// the service because it depends on configuration.
func (r *CreatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("order_id", r.OrderID).Required()
	validator.Field("amount", r.Amount).Required().Positive(errors.ErrCodeInvalidAmount)
	validator.Field("currency", r.Currency).Required().ExactLength(3, errors.ErrCodeInvalidCurrency)
	validator.Field("method", r.Method).Required()

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// CreatePaymentResponse is returned for both outcomes: gateway failures
// during creation are expected and surface as Success=false, not an error.
type CreatePaymentResponse struct {
	Success     bool                  `json:"success"`
	Payment     *paymentmodel.Payment `json:"payment,omitempty"`
	RedirectURL string                `json:"redirect_url,omitempty"`
	QRCode      string                `json:"qr_code,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type RefundRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

type RefundResponse struct {
	Success bool                  `json:"success"`
	Payment *paymentmodel.Payment `json:"payment,omitempty"`
	Message string                `json:"message,omitempty"`
}

// SyncResult describes the outcome of reconciling one payment.
type SyncResult struct {
	PaymentID     string              `json:"payment_id"`
	Synced        bool                `json:"synced"`
	StatusChanged bool                `json:"status_changed"`
	OldStatus     paymentmodel.Status `json:"old_status,omitempty"`
	NewStatus     paymentmodel.Status `json:"new_status,omitempty"`
	Error         string              `json:"error,omitempty"`
}
