package payment

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	internal "github.com/vendora/payment-core/internal"
	gatewaymodel "github.com/vendora/payment-core/internal/core/datamodel/gateway"
	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
	"github.com/vendora/payment-core/internal/core/events"
	"github.com/vendora/payment-core/internal/transport"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Gateway-Signature"

// eventStatusByType is the first level of the status lookup: exact event
// types with an implied status.
var eventStatusByType = map[string]paymentmodel.Status{
	"payment.processing": paymentmodel.StatusProcessing,
	"payment.completed":  paymentmodel.StatusCompleted,
	"payment.failed":     paymentmodel.StatusFailed,
	"payment.cancelled":  paymentmodel.StatusCancelled,
	"payment.expired":    paymentmodel.StatusCancelled,
	"payment.refunded":   paymentmodel.StatusRefunded,
}

// rawEventStatus is the fallback level, keyed by the raw status string in the
// event data. Used for generic event types like payment.status_updated.
var rawEventStatus = map[string]paymentmodel.Status{
	"pending":    paymentmodel.StatusPending,
	"processing": paymentmodel.StatusProcessing,
	"completed":  paymentmodel.StatusCompleted,
	"success":    paymentmodel.StatusCompleted,
	"paid":       paymentmodel.StatusCompleted,
	"failed":     paymentmodel.StatusFailed,
	"declined":   paymentmodel.StatusFailed,
	"cancelled":  paymentmodel.StatusCancelled,
	"canceled":   paymentmodel.StatusCancelled,
	"expired":    paymentmodel.StatusCancelled,
	"refunded":   paymentmodel.StatusRefunded,
}

// supportedEventTypes is an explicit allow-list; anything else is rejected.
var supportedEventTypes = map[string]struct{}{
	"payment.processing":     {},
	"payment.completed":      {},
	"payment.failed":         {},
	"payment.cancelled":      {},
	"payment.expired":        {},
	"payment.refunded":       {},
	"payment.status_updated": {},
}

// WebhookHandler is the only HTTP-facing surface of the payment core. It
// converts an inbound gateway delivery into a ledger update or a clean,
// structured rejection. Rejections never mutate any payment record.
type WebhookHandler struct {
	*transport.BaseHandler
	service    ServiceAPI
	gateway    GatewayAPI
	dedup      EventDedup
	eventBus   *events.EventBus
	metrics    *Metrics
	eventLocks *keyedMutex
	logger     *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, service ServiceAPI, gw GatewayAPI, dedup EventDedup, eventBus *events.EventBus, metrics *Metrics, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		service:     service,
		gateway:     gw,
		dedup:       dedup,
		eventBus:    eventBus,
		metrics:     metrics,
		eventLocks:  newKeyedMutex(),
		logger:      logger,
	}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Message  string `json:"message,omitempty"`
}

// HandleGatewayWebhook handles POST /webhooks/gateway.
func (h *WebhookHandler) HandleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		h.rejectWebhook(w, internal.ErrMalformedEvent, "malformed")
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		h.logger.Warn("webhook missing signature header")
		h.rejectWebhook(w, internal.ErrMissingSignature, "missing_signature")
		return
	}

	if !h.gateway.VerifyWebhookSignature(rawBody, signature) {
		h.logger.Warn("webhook signature verification failed")
		h.rejectWebhook(w, internal.ErrInvalidSignature, "invalid_signature")
		return
	}

	event := h.gateway.ParseWebhookEvent(rawBody)
	if event == nil {
		h.rejectWebhook(w, internal.ErrMalformedEvent, "malformed")
		return
	}

	if _, ok := supportedEventTypes[event.Type]; !ok {
		h.logger.Warn("unsupported webhook event type", "event_type", event.Type, "event_id", event.ID)
		h.rejectWebhook(w, internal.ErrUnsupportedEvent, "unsupported")
		return
	}

	// everything from the dedup check through marking the event processed
	// runs under a per-event-id lock, so concurrent redeliveries of one
	// event serialize and at most one of them applies it
	unlock := h.eventLocks.lock(event.ID)
	defer unlock()

	seen, err := h.dedup.Seen(event.ID)
	if err != nil {
		h.logger.Error("dedup lookup failed", "error", err, "event_id", event.ID)
		h.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}
	if seen {
		h.logger.Info("webhook event already processed", "event_id", event.ID, "event_type", event.Type)
		h.metrics.IncWebhook("duplicate")
		h.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Message: "Event already processed"})
		return
	}

	p, err := h.service.GetPaymentByOrderID(event.Data.OrderID)
	if err != nil {
		h.logger.Warn("no payment for webhook order",
			"order_id", event.Data.OrderID,
			"event_id", event.ID)
		if appErr, ok := internal.IsAppError(err); ok {
			h.rejectWebhook(w, appErr, "not_found")
			return
		}
		h.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	newStatus, ok := h.mapEventStatus(event)
	if !ok {
		h.logger.Warn("unmappable webhook event",
			"event_type", event.Type,
			"data_status", event.Data.Status,
			"event_id", event.ID)
		h.rejectWebhook(w, internal.ErrUnsupportedEvent, "unsupported")
		return
	}

	metadata := map[string]any{
		"webhook_event_id":   event.ID,
		"webhook_event_type": event.Type,
		"gateway_status":     event.Data.Status,
	}
	if !event.Timestamp.IsZero() {
		metadata["webhook_timestamp"] = event.Timestamp.UTC().Format(time.RFC3339)
	}
	if event.Data.GatewayTransactionID != "" {
		metadata[paymentmodel.MetaGatewayTransactionID] = event.Data.GatewayTransactionID
	}
	if event.Data.FailureReason != "" {
		metadata[paymentmodel.MetaFailureReason] = event.Data.FailureReason
	}

	changed, err := h.service.UpdateStatus(r.Context(), p.ID, newStatus, metadata)
	if err != nil {
		h.logger.Error("failed to apply webhook status update",
			"error", err,
			"payment_id", p.ID,
			"event_id", event.ID)
		h.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	if err := h.dedup.MarkProcessed(event.ID, time.Now().Add(DedupWindow)); err != nil {
		h.logger.Error("failed to record processed event", "error", err, "event_id", event.ID)
	}

	if h.eventBus != nil {
		h.eventBus.Publish(r.Context(), events.NewWebhookProcessedEvent(event.ID, event.Type, p.ID, string(newStatus)))
	}
	h.metrics.IncWebhook("processed")

	h.logger.Info("webhook processed",
		"event_id", event.ID,
		"event_type", event.Type,
		"payment_id", p.ID,
		"new_status", newStatus,
		"status_changed", changed)

	h.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Message: "Webhook processed"})
}

// mapEventStatus resolves the canonical status with a two-level lookup:
// exact event type first, then the raw status string in the event data.
func (h *WebhookHandler) mapEventStatus(event *gatewaymodel.WebhookEvent) (paymentmodel.Status, bool) {
	if status, ok := eventStatusByType[event.Type]; ok {
		return status, true
	}
	if status, ok := rawEventStatus[event.Data.Status]; ok {
		return status, true
	}
	return "", false
}

func (h *WebhookHandler) rejectWebhook(w http.ResponseWriter, appErr *internal.AppError, outcome string) {
	h.metrics.IncWebhook(outcome)
	h.WriteJSON(w, appErr.StatusCode, map[string]string{
		"error":   string(appErr.Code),
		"message": appErr.GetDetailedMessage(),
	})
}
