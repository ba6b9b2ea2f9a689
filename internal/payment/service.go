package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	internal "github.com/vendora/payment-core/internal"
	gatewaymodel "github.com/vendora/payment-core/internal/core/datamodel/gateway"
	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
	"github.com/vendora/payment-core/internal/core/events"
)

// GatewayAPI is the ledger's view of the gateway client.
type GatewayAPI interface {
	CreateRemote(ctx context.Context, req *gatewaymodel.CreateRequest) (*gatewaymodel.CreateResponse, error)
	QueryRemoteStatus(ctx context.Context, remoteID string) (paymentmodel.Status, error)
	RequestRefund(ctx context.Context, remoteID string, amount *int64) (bool, error)
	VerifyWebhookSignature(rawPayload []byte, providedSignature string) bool
	ParseWebhookEvent(rawPayload []byte) *gatewaymodel.WebhookEvent
	MapRemoteStatus(remote string) paymentmodel.Status
}

// ServiceAPI is what the HTTP handlers and the reconciler program against.
type ServiceAPI interface {
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error)
	GetPayment(id string) (*paymentmodel.Payment, error)
	GetPaymentByOrderID(orderID string) (*paymentmodel.Payment, error)
	UpdateStatus(ctx context.Context, paymentID string, newStatus paymentmodel.Status, metadata map[string]any) (bool, error)
	RefundPayment(ctx context.Context, paymentID string, amount *int64) (*RefundResponse, error)
	SyncPaymentStatus(ctx context.Context, paymentID string) (*SyncResult, error)
	ReconciliationCandidates(staleThreshold time.Duration) ([]*paymentmodel.Payment, error)
}

type Config struct {
	EnabledMethods  []string
	DefaultCurrency string
	GatewayTimeout  time.Duration
}

// Service owns the authoritative record of every payment and drives the
// canonical state machine. All mutations are serialized per payment id.
type Service struct {
	store    Store
	gateway  GatewayAPI
	eventBus *events.EventBus
	logger   *slog.Logger
	cfg      Config
	metrics  *Metrics
	locks    *keyedMutex
	now      func() time.Time
}

func NewService(store Store, gw GatewayAPI, eventBus *events.EventBus, cfg Config, metrics *Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gw,
		eventBus: eventBus,
		logger:   logger,
		cfg:      cfg,
		metrics:  metrics,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

func (s *Service) methodEnabled(method string) bool {
	for _, m := range s.cfg.EnabledMethods {
		if m == method {
			return true
		}
	}
	return false
}

// CreatePayment validates the request, allocates a pending payment, then
// registers it with the gateway. A gateway failure degrades the payment to
// failed locally and returns a non-fatal Success=false response: creation
// failures are expected and the caller recovers by retrying with a new
// request.
func (s *Service) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error) {
	if req.Currency == "" {
		req.Currency = s.cfg.DefaultCurrency
	}

	if err := req.Validate(); err != nil {
		s.logger.Error("payment request validation failed", "error", err, "order_id", req.OrderID)
		return nil, err
	}

	if !s.methodEnabled(req.Method) {
		s.logger.Error("payment method not enabled", "method", req.Method, "order_id", req.OrderID)
		return nil, internal.NewValidationError("payment method is not enabled", internal.ErrCodeMethodNotEnabled)
	}

	now := s.now().UTC()
	p := &paymentmodel.Payment{
		ID:        uuid.NewString(),
		OrderID:   req.OrderID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Method:    req.Method,
		Status:    paymentmodel.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(p); err != nil {
		s.logger.Error("failed to persist payment", "error", err, "order_id", req.OrderID)
		return nil, internal.NewInternalError("failed to create payment record", err)
	}

	s.logger.Info("payment created",
		"payment_id", p.ID,
		"order_id", p.OrderID,
		"amount", p.Amount,
		"currency", p.Currency,
		"method", p.Method)
	s.metrics.IncPaymentsCreated()

	gctx, cancel := internal.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	remote, err := s.gateway.CreateRemote(gctx, &gatewaymodel.CreateRequest{
		OrderID:  p.OrderID,
		Amount:   p.Amount,
		Currency: p.Currency,
		Method:   p.Method,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.logger.Error("gateway payment creation failed",
			"error", err,
			"payment_id", p.ID,
			"order_id", p.OrderID)

		if _, uerr := s.UpdateStatus(ctx, p.ID, paymentmodel.StatusFailed, map[string]any{
			paymentmodel.MetaFailureReason: err.Error(),
		}); uerr != nil {
			s.logger.Error("failed to mark payment failed after gateway error", "error", uerr, "payment_id", p.ID)
		}

		failed, _ := s.store.GetByID(p.ID)
		return &CreatePaymentResponse{
			Success: false,
			Payment: failed,
			Error:   err.Error(),
		}, nil
	}

	meta := map[string]any{
		paymentmodel.MetaGatewayTransactionID: remote.RemoteID,
		"gateway_status":                      remote.Status,
	}
	if remote.RedirectURL != "" {
		meta["redirect_url"] = remote.RedirectURL
	}
	if remote.QRCode != "" {
		meta["qr_code"] = remote.QRCode
	}
	if remote.ExpiresAt != nil {
		meta["expires_at"] = remote.ExpiresAt.UTC().Format(time.RFC3339)
	}

	if _, err := s.UpdateStatus(ctx, p.ID, paymentmodel.StatusProcessing, meta); err != nil {
		return nil, internal.NewInternalError("failed to record gateway acknowledgement", err)
	}

	created, err := s.store.GetByID(p.ID)
	if err != nil {
		return nil, internal.NewInternalError("failed to reload payment", err)
	}

	return &CreatePaymentResponse{
		Success:     true,
		Payment:     created,
		RedirectURL: remote.RedirectURL,
		QRCode:      remote.QRCode,
	}, nil
}

func (s *Service) GetPayment(id string) (*paymentmodel.Payment, error) {
	p, err := s.store.GetByID(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	return p, nil
}

func (s *Service) GetPaymentByOrderID(orderID string) (*paymentmodel.Payment, error) {
	p, err := s.store.GetByOrderID(orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, internal.NewInternalError("failed to load payment", err)
	}
	return p, nil
}

// UpdateStatus applies a status transition under the per-payment lock. An
// invalid edge is a logged no-op returning false: this is what makes
// duplicate and out-of-order webhook and sync updates safe.
func (s *Service) UpdateStatus(ctx context.Context, paymentID string, newStatus paymentmodel.Status, metadata map[string]any) (bool, error) {
	unlock := s.locks.lock(paymentID)
	defer unlock()

	return s.applyTransitionLocked(ctx, paymentID, newStatus, metadata)
}

// applyTransitionLocked assumes the caller holds the lock for paymentID.
func (s *Service) applyTransitionLocked(ctx context.Context, paymentID string, newStatus paymentmodel.Status, metadata map[string]any) (bool, error) {
	p, err := s.store.GetByID(paymentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, internal.ErrPaymentNotFound
		}
		return false, internal.NewInternalError("failed to load payment", err)
	}

	if !p.Status.CanTransitionTo(newStatus) {
		s.logger.Warn("invalid status transition dropped",
			"payment_id", paymentID,
			"current_status", p.Status,
			"requested_status", newStatus)
		return false, nil
	}

	oldStatus := p.Status
	p.Status = newStatus
	p.MergeGatewayResponse(metadata)
	p.UpdatedAt = s.now().UTC()
	if newStatus == paymentmodel.StatusCompleted && p.CompletedAt == nil {
		completedAt := p.UpdatedAt
		p.CompletedAt = &completedAt
	}

	if err := s.store.Update(p); err != nil {
		return false, internal.NewInternalError("failed to persist payment update", err)
	}

	s.logger.Info("payment status updated",
		"payment_id", p.ID,
		"order_id", p.OrderID,
		"old_status", oldStatus,
		"new_status", newStatus)

	if s.eventBus != nil {
		event := events.NewPaymentStatusChangedEvent(p.ID, p.OrderID, string(oldStatus), string(newStatus), p.Amount, p.Currency)
		s.eventBus.Publish(ctx, event)
	}

	return true, nil
}

// RefundPayment is only valid when the payment is completed. A gateway
// refusal returns Success=false without mutating status.
func (s *Service) RefundPayment(ctx context.Context, paymentID string, amount *int64) (*RefundResponse, error) {
	unlock := s.locks.lock(paymentID)
	defer unlock()

	p, err := s.store.GetByID(paymentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, internal.NewInternalError("failed to load payment", err)
	}

	if p.Status != paymentmodel.StatusCompleted {
		s.logger.Warn("refund rejected: payment not completed",
			"payment_id", paymentID,
			"status", p.Status)
		return &RefundResponse{
			Success: false,
			Payment: p,
			Message: "payment must be completed before it can be refunded",
		}, nil
	}

	refundAmount := p.Amount
	if amount != nil {
		if *amount <= 0 || *amount > p.Amount {
			return nil, internal.NewValidationError("refund amount must be positive and not exceed the payment amount", internal.ErrCodeInvalidAmount)
		}
		refundAmount = *amount
	}

	if p.GatewayTransactionID == nil {
		return nil, internal.NewConflictError("payment has no gateway transaction to refund", internal.ErrCodeRefundFailed)
	}

	gctx, cancel := internal.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	ok, err := s.gateway.RequestRefund(gctx, *p.GatewayTransactionID, amount)
	if err != nil || !ok {
		s.logger.Error("gateway refund failed",
			"error", err,
			"payment_id", paymentID,
			"gateway_transaction_id", *p.GatewayTransactionID)
		return &RefundResponse{
			Success: false,
			Payment: p,
			Message: "gateway refused the refund",
		}, nil
	}

	changed, err := s.applyTransitionLocked(ctx, paymentID, paymentmodel.StatusRefunded, map[string]any{
		paymentmodel.MetaRefundAmount: refundAmount,
		"refunded_at":                 s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	refunded, _ := s.store.GetByID(paymentID)
	return &RefundResponse{Success: changed, Payment: refunded}, nil
}

// SyncPaymentStatus re-polls the gateway for one payment and applies the
// remote status if it differs. A gateway failure is returned as an error so
// the reconciler's retry loop can back off and try again.
func (s *Service) SyncPaymentStatus(ctx context.Context, paymentID string) (*SyncResult, error) {
	p, err := s.store.GetByID(paymentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, internal.NewInternalError("failed to load payment", err)
	}

	result := &SyncResult{PaymentID: paymentID, OldStatus: p.Status}

	if p.Status.IsTerminal() {
		result.Synced = true
		result.NewStatus = p.Status
		return result, nil
	}

	if p.GatewayTransactionID == nil {
		result.Error = "payment has no gateway transaction id"
		return result, nil
	}

	gctx, cancel := internal.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	remoteStatus, err := s.gateway.QueryRemoteStatus(gctx, *p.GatewayTransactionID)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	result.Synced = true
	result.NewStatus = remoteStatus

	if remoteStatus != p.Status {
		changed, err := s.UpdateStatus(ctx, paymentID, remoteStatus, map[string]any{
			"sync_source": "reconciliation",
			"synced_at":   s.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		result.StatusChanged = changed
	}

	return result, nil
}

// ReconciliationCandidates selects payments the webhook path has not
// resolved: everything processing, plus pending payments older than the
// staleness threshold. Terminal payments are never selected.
func (s *Service) ReconciliationCandidates(staleThreshold time.Duration) ([]*paymentmodel.Payment, error) {
	payments, err := s.store.ListByStatus(paymentmodel.StatusPending, paymentmodel.StatusProcessing)
	if err != nil {
		return nil, internal.NewInternalError("failed to list payments", err)
	}

	now := s.now()
	var candidates []*paymentmodel.Payment
	for _, p := range payments {
		switch p.Status {
		case paymentmodel.StatusProcessing:
			candidates = append(candidates, p)
		case paymentmodel.StatusPending:
			if now.Sub(p.UpdatedAt) > staleThreshold {
				candidates = append(candidates, p)
			}
		}
	}
	return candidates, nil
}
