package payment

import (
	"time"
)

// Status is the canonical payment status. Transitions only move forward
// through the directed graph encoded in CanTransitionTo.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// validTransitions holds the only allowed status edges. A completed payment
// may still be refunded; every other terminal state is final.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusRefunded},
	StatusFailed:     {},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Well-known gateway response keys. Values under these keys are promoted to
// dedicated Payment fields when merged; everything else stays in the map.
const (
	MetaGatewayTransactionID = "gateway_transaction_id"
	MetaFailureReason        = "failure_reason"
	MetaRefundAmount         = "refund_amount"
)

type Payment struct {
	ID                   string         `json:"id" gorm:"primaryKey;column:id"`
	OrderID              string         `json:"order_id" gorm:"column:order_id;not null;index"`
	Amount               int64          `json:"amount" gorm:"column:amount;not null"`
	Currency             string         `json:"currency" gorm:"column:currency;not null"`
	Method               string         `json:"method" gorm:"column:method;not null"`
	Status               Status         `json:"status" gorm:"column:status;default:pending"`
	GatewayTransactionID *string        `json:"gateway_transaction_id,omitempty" gorm:"column:gateway_transaction_id"`
	GatewayResponse      map[string]any `json:"gateway_response,omitempty" gorm:"column:gateway_response;serializer:json"`
	FailureReason        *string        `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	RefundAmount         *int64         `json:"refund_amount,omitempty" gorm:"column:refund_amount"`
	CreatedAt            time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt            time.Time      `json:"updated_at" gorm:"column:updated_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty" gorm:"column:completed_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// MergeGatewayResponse folds metadata into the accumulated gateway response,
// promoting well-known keys to their dedicated fields. Existing keys are
// overwritten by newer values; the map is never replaced wholesale.
func (p *Payment) MergeGatewayResponse(metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if p.GatewayResponse == nil {
		p.GatewayResponse = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		switch k {
		case MetaGatewayTransactionID:
			if s, ok := v.(string); ok && s != "" {
				p.GatewayTransactionID = &s
			}
		case MetaFailureReason:
			if s, ok := v.(string); ok && s != "" {
				p.FailureReason = &s
			}
		case MetaRefundAmount:
			switch n := v.(type) {
			case int64:
				p.RefundAmount = &n
			case float64:
				amt := int64(n)
				p.RefundAmount = &amt
			}
		}
		p.GatewayResponse[k] = v
	}
}

// Clone returns a deep copy so callers outside the ledger can never mutate
// the stored record.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.GatewayResponse != nil {
		cp.GatewayResponse = make(map[string]any, len(p.GatewayResponse))
		for k, v := range p.GatewayResponse {
			cp.GatewayResponse[k] = v
		}
	}
	if p.GatewayTransactionID != nil {
		id := *p.GatewayTransactionID
		cp.GatewayTransactionID = &id
	}
	if p.FailureReason != nil {
		r := *p.FailureReason
		cp.FailureReason = &r
	}
	if p.RefundAmount != nil {
		a := *p.RefundAmount
		cp.RefundAmount = &a
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
