package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	gatewaymodel "github.com/vendora/payment-core/internal/core/datamodel/gateway"
	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
	"github.com/vendora/payment-core/internal/core/events"
	paymentPkg "github.com/vendora/payment-core/internal/payment"
	"github.com/vendora/payment-core/internal/transport"
	"github.com/vendora/payment-core/internal/transport/rest"
)

func TestRouter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Router Suite")
}

type stubGateway struct{}

func (stubGateway) CreateRemote(ctx context.Context, req *gatewaymodel.CreateRequest) (*gatewaymodel.CreateResponse, error) {
	return &gatewaymodel.CreateResponse{RemoteID: "gw-123", Status: "pending"}, nil
}

func (stubGateway) QueryRemoteStatus(ctx context.Context, remoteID string) (paymentmodel.Status, error) {
	return paymentmodel.StatusCompleted, nil
}

func (stubGateway) RequestRefund(ctx context.Context, remoteID string, amount *int64) (bool, error) {
	return true, nil
}

func (stubGateway) VerifyWebhookSignature(rawPayload []byte, providedSignature string) bool {
	return providedSignature == "valid"
}

func (stubGateway) ParseWebhookEvent(rawPayload []byte) *gatewaymodel.WebhookEvent {
	var event gatewaymodel.WebhookEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		return nil
	}
	if event.ID == "" || event.Type == "" {
		return nil
	}
	return &event
}

func (stubGateway) MapRemoteStatus(remote string) paymentmodel.Status {
	return paymentmodel.StatusFailed
}

var _ = Describe("Router", func() {
	var (
		server  *httptest.Server
		service *paymentPkg.Service
	)

	BeforeEach(func() {
		log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		store := paymentPkg.NewMemoryStore()
		eventBus := events.NewEventBus(log)

		service = paymentPkg.NewService(store, stubGateway{}, eventBus, paymentPkg.Config{
			EnabledMethods:  []string{"card", "fpx"},
			DefaultCurrency: "MYR",
			GatewayTimeout:  5 * time.Second,
		}, nil, log)

		reconciler := paymentPkg.NewReconciler(service, eventBus, paymentPkg.ReconcilerConfig{
			Interval:       time.Minute,
			MaxRetries:     1,
			RetryDelay:     time.Millisecond,
			StaleThreshold: 10 * time.Minute,
		}, nil, log)

		baseHandler := transport.NewBaseHandler(log)
		registry := prometheus.NewRegistry()

		router := rest.NewRouter(rest.RouterDeps{
			PaymentHandler:  paymentPkg.NewHandler(baseHandler, service, reconciler, log),
			WebhookHandler:  paymentPkg.NewWebhookHandler(baseHandler, service, stubGateway{}, paymentPkg.NewMemoryDedup(), eventBus, nil, log),
			MetricsRegistry: registry,
			Logger:          log,
		})
		server = httptest.NewServer(router)
	})

	AfterEach(func() {
		server.Close()
	})

	createPayment := func(orderID string) string {
		body, _ := json.Marshal(map[string]any{
			"order_id": orderID,
			"amount":   5000,
			"method":   "card",
		})
		resp, err := http.Post(server.URL+"/api/v1/payments", "application/json", bytes.NewReader(body))
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var created paymentPkg.CreatePaymentResponse
		Expect(json.NewDecoder(resp.Body).Decode(&created)).To(Succeed())
		Expect(created.Success).To(BeTrue())
		return created.Payment.ID
	}

	It("should serve ping and health", func() {
		resp, err := http.Get(server.URL + "/ping")
		Expect(err).ToNot(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = http.Get(server.URL + "/health")
		Expect(err).ToNot(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should expose the metrics endpoint when a registry is configured", func() {
		resp, err := http.Get(server.URL + "/metrics")
		Expect(err).ToNot(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should create and fetch a payment", func() {
		id := createPayment("order-1")

		resp, err := http.Get(server.URL + "/api/v1/payments/" + id)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var p paymentmodel.Payment
		Expect(json.NewDecoder(resp.Body).Decode(&p)).To(Succeed())
		Expect(p.OrderID).To(Equal("order-1"))
		Expect(p.Status).To(Equal(paymentmodel.StatusProcessing))
	})

	It("should return 404 for an unknown payment", func() {
		resp, err := http.Get(server.URL + "/api/v1/payments/missing")
		Expect(err).ToNot(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("should reject an invalid create request", func() {
		body := []byte(`{"amount": -1}`)
		resp, err := http.Post(server.URL+"/api/v1/payments", "application/json", bytes.NewReader(body))
		Expect(err).ToNot(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("should refuse to refund a payment that is not completed", func() {
		id := createPayment("order-1")

		resp, err := http.Post(server.URL+"/api/v1/payments/"+id+"/refund", "application/json", nil)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
	})

	It("should refund a completed payment", func() {
		id := createPayment("order-1")

		changed, err := service.UpdateStatus(context.Background(), id, paymentmodel.StatusCompleted, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(changed).To(BeTrue())

		resp, err := http.Post(server.URL+"/api/v1/payments/"+id+"/refund", "application/json", nil)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var refund paymentPkg.RefundResponse
		Expect(json.NewDecoder(resp.Body).Decode(&refund)).To(Succeed())
		Expect(refund.Success).To(BeTrue())
		Expect(refund.Payment.Status).To(Equal(paymentmodel.StatusRefunded))
	})

	It("should sync a payment on demand", func() {
		id := createPayment("order-1")

		resp, err := http.Post(server.URL+"/api/v1/payments/"+id+"/sync", "application/json", nil)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var result paymentPkg.SyncResult
		Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
		Expect(result.Synced).To(BeTrue())
		Expect(result.NewStatus).To(Equal(paymentmodel.StatusCompleted))
	})

	It("should run a reconciliation cycle and report stats", func() {
		createPayment("order-1")

		resp, err := http.Post(server.URL+"/api/v1/reconciliation/run", "application/json", nil)
		Expect(err).ToNot(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = http.Get(server.URL + "/api/v1/reconciliation/stats")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()

		var stats paymentPkg.SyncStats
		Expect(json.NewDecoder(resp.Body).Decode(&stats)).To(Succeed())
		Expect(stats.TotalSynced).To(Equal(int64(1)))
		Expect(stats.Successful).To(Equal(int64(1)))
	})

	It("should accept a webhook on the intake route", func() {
		createPayment("order-1")

		body, _ := json.Marshal(map[string]any{
			"id":   "evt-1",
			"type": "payment.completed",
			"data": map[string]any{"order_id": "order-1", "status": "completed"},
		})

		req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/webhooks/gateway", bytes.NewReader(body))
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set(paymentPkg.SignatureHeader, "valid")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
