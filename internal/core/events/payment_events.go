package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentStatusChanged = "payment.status_changed"
	EventTypeWebhookProcessed     = "payment.webhook_processed"
	EventTypeSyncCompleted        = "payment.sync_completed"
	EventTypeSyncFailed           = "payment.sync_failed"
)

type PaymentStatusChangedEvent struct {
	BaseEvent
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

func NewPaymentStatusChangedEvent(paymentID, orderID, oldStatus, newStatus string, amount int64, currency string) *PaymentStatusChangedEvent {
	return &PaymentStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentStatusChanged,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id": paymentID,
				"order_id":   orderID,
				"old_status": oldStatus,
				"new_status": newStatus,
				"amount":     amount,
				"currency":   currency,
			},
		},
		PaymentID: paymentID,
		OrderID:   orderID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Amount:    amount,
		Currency:  currency,
	}
}

type WebhookProcessedEvent struct {
	BaseEvent
	WebhookEventID   string `json:"webhook_event_id"`
	WebhookEventType string `json:"webhook_event_type"`
	PaymentID        string `json:"payment_id"`
	NewStatus        string `json:"new_status"`
}

func NewWebhookProcessedEvent(webhookEventID, webhookEventType, paymentID, newStatus string) *WebhookProcessedEvent {
	return &WebhookProcessedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeWebhookProcessed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"webhook_event_id":   webhookEventID,
				"webhook_event_type": webhookEventType,
				"payment_id":         paymentID,
				"new_status":         newStatus,
			},
		},
		WebhookEventID:   webhookEventID,
		WebhookEventType: webhookEventType,
		PaymentID:        paymentID,
		NewStatus:        newStatus,
	}
}

type SyncCompletedEvent struct {
	BaseEvent
	TotalSynced   int64 `json:"total_synced"`
	Successful    int64 `json:"successful"`
	Failed        int64 `json:"failed"`
	StatusChanged int64 `json:"status_changed"`
}

func NewSyncCompletedEvent(totalSynced, successful, failed, statusChanged int64, results map[string]interface{}) *SyncCompletedEvent {
	return &SyncCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeSyncCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"total_synced":   totalSynced,
				"successful":     successful,
				"failed":         failed,
				"status_changed": statusChanged,
				"results":        results,
			},
		},
		TotalSynced:   totalSynced,
		Successful:    successful,
		Failed:        failed,
		StatusChanged: statusChanged,
	}
}

type SyncFailedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

func NewSyncFailedEvent(reason string) *SyncFailedEvent {
	return &SyncFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeSyncFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"reason": reason,
			},
		},
		Reason: reason,
	}
}
