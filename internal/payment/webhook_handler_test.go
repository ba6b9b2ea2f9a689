package payment_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
	"github.com/vendora/payment-core/internal/core/events"
	"github.com/vendora/payment-core/internal/gateway"
	paymentPkg "github.com/vendora/payment-core/internal/payment"
	"github.com/vendora/payment-core/internal/transport"
)

const webhookSecret = "webhook-test-secret"

func sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(eventID, eventType, orderID, status string) []byte {
	body, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{
			"order_id":           orderID,
			"status":             status,
			"gateway_payment_id": "gw-123",
		},
	})
	Expect(err).ToNot(HaveOccurred())
	return body
}

var _ = Describe("WebhookHandler", func() {
	var (
		handler      *paymentPkg.WebhookHandler
		service      *paymentPkg.Service
		store        *paymentPkg.MemoryStore
		gw           *mockGateway
		eventBus     *events.EventBus
		statusEvents int64
		paymentID    string
	)

	deliver := func(body []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
		if signature != "" {
			req.Header.Set(paymentPkg.SignatureHeader, signature)
		}
		rec := httptest.NewRecorder()
		handler.HandleGatewayWebhook(rec, req)
		return rec
	}

	BeforeEach(func() {
		log := testLogger()
		store = paymentPkg.NewMemoryStore()
		gw = newMockGateway()
		eventBus = events.NewEventBus(log)

		atomic.StoreInt64(&statusEvents, 0)
		eventBus.Subscribe(events.EventTypePaymentStatusChanged, func(ctx context.Context, event events.Event) error {
			atomic.AddInt64(&statusEvents, 1)
			return nil
		})

		// real verifier so the HMAC path is exercised end to end
		verifier := gateway.NewClient(gateway.Config{
			BaseURL:       "http://localhost",
			WebhookSecret: webhookSecret,
		}, log)

		service = paymentPkg.NewService(store, gw, eventBus, serviceConfig(), nil, log)
		dedup := paymentPkg.NewMemoryDedup()
		handler = paymentPkg.NewWebhookHandler(transport.NewBaseHandler(log), service, verifier, dedup, eventBus, nil, log)

		resp, err := service.CreatePayment(context.Background(), &paymentPkg.CreatePaymentRequest{
			OrderID: "order-1",
			Amount:  5000,
			Method:  "card",
		})
		Expect(err).ToNot(HaveOccurred())
		paymentID = resp.Payment.ID

		// pending -> processing already published one status change
		Eventually(func() int64 { return atomic.LoadInt64(&statusEvents) }).Should(Equal(int64(1)))
	})

	Context("when a correctly signed completion event arrives", func() {
		It("should complete the payment and acknowledge", func() {
			body := webhookBody("evt-1", "payment.completed", "order-1", "completed")

			rec := deliver(body, sign(body))

			Expect(rec.Code).To(Equal(http.StatusOK))

			var resp map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["received"]).To(Equal(true))

			p, err := service.GetPayment(paymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))
			Expect(p.CompletedAt).ToNot(BeNil())
			Expect(p.GatewayResponse).To(HaveKeyWithValue("webhook_event_id", "evt-1"))

			Eventually(func() int64 { return atomic.LoadInt64(&statusEvents) }).Should(Equal(int64(2)))
		})
	})

	Context("when the same event is delivered twice", func() {
		It("should acknowledge the duplicate without reapplying it", func() {
			body := webhookBody("evt-1", "payment.completed", "order-1", "completed")

			first := deliver(body, sign(body))
			Expect(first.Code).To(Equal(http.StatusOK))

			second := deliver(body, sign(body))
			Expect(second.Code).To(Equal(http.StatusOK))

			var resp map[string]any
			Expect(json.Unmarshal(second.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["message"]).To(Equal("Event already processed"))

			p, err := service.GetPayment(paymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))

			// exactly one completion notification: creation + webhook
			Eventually(func() int64 { return atomic.LoadInt64(&statusEvents) }).Should(Equal(int64(2)))
			Consistently(func() int64 { return atomic.LoadInt64(&statusEvents) }).Should(Equal(int64(2)))
		})
	})

	Context("when the same event is delivered twice concurrently", func() {
		It("should apply it exactly once and acknowledge both deliveries", func() {
			var processedEvents int64
			eventBus.Subscribe(events.EventTypeWebhookProcessed, func(ctx context.Context, event events.Event) error {
				atomic.AddInt64(&processedEvents, 1)
				return nil
			})

			body := webhookBody("evt-1", "payment.completed", "order-1", "completed")
			signature := sign(body)

			start := make(chan struct{})
			var wg sync.WaitGroup
			responses := make([]*httptest.ResponseRecorder, 2)
			for i := range responses {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					<-start
					responses[i] = deliver(body, signature)
				}(i)
			}
			close(start)
			wg.Wait()

			duplicates := 0
			for _, rec := range responses {
				Expect(rec.Code).To(Equal(http.StatusOK))
				var resp map[string]any
				Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
				if resp["message"] == "Event already processed" {
					duplicates++
				}
			}
			Expect(duplicates).To(Equal(1))

			p, err := service.GetPayment(paymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))

			// one processed notification and one status change beyond creation
			Eventually(func() int64 { return atomic.LoadInt64(&processedEvents) }).Should(Equal(int64(1)))
			Eventually(func() int64 { return atomic.LoadInt64(&statusEvents) }).Should(Equal(int64(2)))
			Consistently(func() int64 { return atomic.LoadInt64(&processedEvents) }).Should(Equal(int64(1)))
			Consistently(func() int64 { return atomic.LoadInt64(&statusEvents) }).Should(Equal(int64(2)))
		})
	})

	Context("when the signature is invalid", func() {
		It("should reject with 401 and not mutate the payment", func() {
			body := webhookBody("evt-1", "payment.completed", "order-1", "completed")

			rec := deliver(body, "deadbeef")

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(rec.Body.String()).To(ContainSubstring("INVALID_SIGNATURE"))

			p, err := service.GetPayment(paymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(paymentmodel.StatusProcessing))
		})

		It("should reject a signature computed over different bytes", func() {
			body := webhookBody("evt-1", "payment.completed", "order-1", "completed")
			other := webhookBody("evt-2", "payment.completed", "order-1", "completed")

			rec := deliver(body, sign(other))

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Context("when the signature header is missing", func() {
		It("should reject with 400", func() {
			body := webhookBody("evt-1", "payment.completed", "order-1", "completed")

			rec := deliver(body, "")

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("MISSING_SIGNATURE"))
		})
	})

	Context("when the payload is not valid JSON", func() {
		It("should reject with 400 even when correctly signed", func() {
			body := []byte(`{not json`)

			rec := deliver(body, sign(body))

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("MALFORMED_EVENT"))
		})
	})

	Context("when the event type is not supported", func() {
		It("should reject with 400", func() {
			body := webhookBody("evt-1", "payout.completed", "order-1", "completed")

			rec := deliver(body, sign(body))

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("UNSUPPORTED_EVENT"))
		})
	})

	Context("when no payment matches the order", func() {
		It("should reject with 404", func() {
			body := webhookBody("evt-1", "payment.completed", "order-unknown", "completed")

			rec := deliver(body, sign(body))

			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(rec.Body.String()).To(ContainSubstring("PAYMENT_NOT_FOUND"))
		})
	})

	Context("when a generic status update event arrives", func() {
		It("should fall back to the raw status in the event data", func() {
			body := webhookBody("evt-1", "payment.status_updated", "order-1", "paid")

			rec := deliver(body, sign(body))

			Expect(rec.Code).To(Equal(http.StatusOK))

			p, err := service.GetPayment(paymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))
		})

		It("should reject when the raw status is unmappable", func() {
			body := webhookBody("evt-1", "payment.status_updated", "order-1", "strange")

			rec := deliver(body, sign(body))

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("UNSUPPORTED_EVENT"))
		})
	})

	Context("when events arrive out of order", func() {
		It("should keep the terminal state and still acknowledge the stale event", func() {
			completed := webhookBody("evt-1", "payment.completed", "order-1", "completed")
			Expect(deliver(completed, sign(completed)).Code).To(Equal(http.StatusOK))

			stale := webhookBody("evt-2", "payment.processing", "order-1", "processing")
			rec := deliver(stale, sign(stale))

			Expect(rec.Code).To(Equal(http.StatusOK))

			p, err := service.GetPayment(paymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))
		})
	})

	Context("under a burst of distinct deliveries", func() {
		It("should apply each event at most once", func() {
			for i := 0; i < 5; i++ {
				body := webhookBody(fmt.Sprintf("evt-%d", i), "payment.completed", "order-1", "completed")
				rec := deliver(body, sign(body))
				Expect(rec.Code).To(Equal(http.StatusOK))
			}

			p, err := service.GetPayment(paymentID)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))

			// one transition from creation plus a single completion
			Eventually(func() int64 { return atomic.LoadInt64(&statusEvents) }).Should(Equal(int64(2)))
			Consistently(func() int64 { return atomic.LoadInt64(&statusEvents) }).Should(Equal(int64(2)))
		})
	})
})
