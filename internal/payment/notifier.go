package payment

import (
	"context"
	"fmt"
	"log/slog"

	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
	"github.com/vendora/payment-core/internal/core/events"
)

// OrderNotifier forwards terminal payment transitions to the order service,
// which progresses its own order state machine. The order side is an
// external collaborator; here the contract is the subscription itself.
type OrderNotifier struct {
	logger *slog.Logger
}

func NewOrderNotifier(logger *slog.Logger) *OrderNotifier {
	return &OrderNotifier{logger: logger}
}

func (n *OrderNotifier) HandleStatusChanged(ctx context.Context, event events.Event) error {
	statusEvent, ok := event.(*events.PaymentStatusChangedEvent)
	if !ok {
		return fmt.Errorf("expected PaymentStatusChangedEvent, got %T", event)
	}

	newStatus := paymentmodel.Status(statusEvent.NewStatus)
	if !newStatus.IsTerminal() {
		return nil
	}

	n.logger.Info("notifying order service of terminal payment status",
		"payment_id", statusEvent.PaymentID,
		"order_id", statusEvent.OrderID,
		"old_status", statusEvent.OldStatus,
		"new_status", statusEvent.NewStatus,
		"amount", statusEvent.Amount,
		"currency", statusEvent.Currency,
		"event_id", statusEvent.EventID())

	return nil
}

func (n *OrderNotifier) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentStatusChanged, n.HandleStatusChanged)

	n.logger.Info("order notifier registered",
		"handlers", []string{events.EventTypePaymentStatusChanged})
}
