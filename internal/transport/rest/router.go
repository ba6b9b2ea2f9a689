package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vendora/payment-core/internal/payment"
	"github.com/vendora/payment-core/internal/transport/middleware"
)

// RouterDeps carries everything the HTTP surface needs. MetricsRegistry and
// DB are optional.
type RouterDeps struct {
	PaymentHandler  *payment.Handler
	WebhookHandler  *payment.WebhookHandler
	DB              *sql.DB
	MetricsRegistry *prometheus.Registry
	Logger          *slog.Logger
}

func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.RecoveryMiddleware(deps.Logger))
	r.Use(middleware.LoggingMiddleware(deps.Logger))

	health := NewHealthHandler(deps.DB)
	r.Get("/ping", health.pingHandler)
	r.Get("/health", health.healthCheckHandler)

	if deps.MetricsRegistry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/webhooks/gateway", deps.WebhookHandler.HandleGatewayWebhook)

		api.Route("/payments", func(p chi.Router) {
			p.Post("/", deps.PaymentHandler.CreatePayment)
			p.Get("/{id}", deps.PaymentHandler.GetPayment)
			p.Post("/{id}/refund", deps.PaymentHandler.RefundPayment)
			p.Post("/{id}/sync", deps.PaymentHandler.SyncPayment)
		})

		api.Route("/reconciliation", func(rc chi.Router) {
			rc.Post("/run", deps.PaymentHandler.RunReconciliation)
			rc.Get("/stats", deps.PaymentHandler.GetSyncStats)
			rc.Post("/stats/reset", deps.PaymentHandler.ResetSyncStats)
		})
	})

	return r
}
