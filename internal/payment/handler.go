package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	internal "github.com/vendora/payment-core/internal"
	"github.com/vendora/payment-core/internal/transport"
)

// Handler exposes the admin-facing payment operations. Authentication is an
// external collaborator and gates these routes before they reach this core.
type Handler struct {
	*transport.BaseHandler
	Service    ServiceAPI
	Reconciler *Reconciler
	Logger     *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI, reconciler *Reconciler, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
		Reconciler:  reconciler,
		Logger:      logger,
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("CreatePayment: failed to parse request body", "error", err)
		h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
		return
	}

	resp, err := h.Service.CreatePayment(r.Context(), &req)
	if err != nil {
		h.Logger.Error("CreatePayment: service error", "error", err, "order_id", req.OrderID)
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	p, err := h.Service.GetPayment(paymentID)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, p)
}

// RefundPayment handles POST /api/v1/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	var req RefundRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.Logger.Error("RefundPayment: failed to parse request body", "error", err)
			h.HandleError(w, internal.NewValidationError("invalid request body", internal.ErrCodeValidationFailed))
			return
		}
	}

	resp, err := h.Service.RefundPayment(r.Context(), paymentID, req.Amount)
	if err != nil {
		h.Logger.Error("RefundPayment: service error", "error", err, "payment_id", paymentID)
		h.HandleError(w, err)
		return
	}

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusConflict
	}
	h.WriteJSON(w, status, resp)
}

// SyncPayment handles POST /api/v1/payments/{id}/sync
func (h *Handler) SyncPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")

	result, err := h.Service.SyncPaymentStatus(r.Context(), paymentID)
	if err != nil {
		if appErr, ok := internal.IsAppError(err); ok {
			h.HandleError(w, appErr)
			return
		}
		// gateway errors are retryable; surface them as such
		h.HandleError(w, internal.NewGatewayError("failed to sync payment status", err))
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

// RunReconciliation handles POST /api/v1/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	results := h.Reconciler.RunOnce(r.Context())

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"synced":  len(results),
		"results": results,
	})
}

// GetSyncStats handles GET /api/v1/reconciliation/stats
func (h *Handler) GetSyncStats(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, h.Reconciler.Stats())
}

// ResetSyncStats handles POST /api/v1/reconciliation/stats/reset
func (h *Handler) ResetSyncStats(w http.ResponseWriter, r *http.Request) {
	h.Reconciler.ResetStats()
	h.Logger.Info("sync stats reset")
	h.WriteJSON(w, http.StatusOK, map[string]string{"status": "stats reset"})
}
