package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the payment-core prometheus collectors. A nil *Metrics is
// valid and turns every recording call into a no-op, which keeps tests and
// the worker command free of a registry.
type Metrics struct {
	paymentsCreated   prometheus.Counter
	webhooksProcessed *prometheus.CounterVec
	syncRuns          prometheus.Counter
	syncStatusChanged prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		paymentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_core_payments_created_total",
			Help: "Number of payments created.",
		}),
		webhooksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_core_webhooks_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		syncRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_core_sync_cycles_total",
			Help: "Completed reconciliation cycles.",
		}),
		syncStatusChanged: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_core_sync_status_changed_total",
			Help: "Payments whose status changed during reconciliation.",
		}),
	}
}

func (m *Metrics) IncPaymentsCreated() {
	if m == nil {
		return
	}
	m.paymentsCreated.Inc()
}

func (m *Metrics) IncWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooksProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSyncRuns() {
	if m == nil {
		return
	}
	m.syncRuns.Inc()
}

func (m *Metrics) AddSyncStatusChanged(n int64) {
	if m == nil {
		return
	}
	m.syncStatusChanged.Add(float64(n))
}
