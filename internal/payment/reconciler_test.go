package payment_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
	paymentPkg "github.com/vendora/payment-core/internal/payment"
)

// Mock sync service for reconciler testing
type mockSyncService struct {
	mu sync.Mutex

	candidates    []*paymentmodel.Payment
	candidatesErr error

	syncResults map[string]*paymentPkg.SyncResult
	syncErrs    map[string]error
	failUntil   map[string]int
	syncCalls   map[string]int
}

func newMockSyncService() *mockSyncService {
	return &mockSyncService{
		syncResults: make(map[string]*paymentPkg.SyncResult),
		syncErrs:    make(map[string]error),
		failUntil:   make(map[string]int),
		syncCalls:   make(map[string]int),
	}
}

func (m *mockSyncService) addCandidate(id string, result *paymentPkg.SyncResult) {
	m.candidates = append(m.candidates, &paymentmodel.Payment{
		ID:     id,
		Status: paymentmodel.StatusProcessing,
	})
	m.syncResults[id] = result
}

func (m *mockSyncService) calls(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncCalls[id]
}

func (m *mockSyncService) ReconciliationCandidates(staleThreshold time.Duration) ([]*paymentmodel.Payment, error) {
	if m.candidatesErr != nil {
		return nil, m.candidatesErr
	}
	return m.candidates, nil
}

func (m *mockSyncService) SyncPaymentStatus(ctx context.Context, paymentID string) (*paymentPkg.SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncCalls[paymentID]++

	if until, ok := m.failUntil[paymentID]; ok && m.syncCalls[paymentID] <= until {
		return nil, errors.New("transient gateway error")
	}
	if err, ok := m.syncErrs[paymentID]; ok {
		return nil, err
	}
	if result, ok := m.syncResults[paymentID]; ok {
		return result, nil
	}
	return &paymentPkg.SyncResult{PaymentID: paymentID, Synced: true}, nil
}

func (m *mockSyncService) CreatePayment(ctx context.Context, req *paymentPkg.CreatePaymentRequest) (*paymentPkg.CreatePaymentResponse, error) {
	return nil, errors.New("not implemented")
}

func (m *mockSyncService) GetPayment(id string) (*paymentmodel.Payment, error) {
	return nil, errors.New("not implemented")
}

func (m *mockSyncService) GetPaymentByOrderID(orderID string) (*paymentmodel.Payment, error) {
	return nil, errors.New("not implemented")
}

func (m *mockSyncService) UpdateStatus(ctx context.Context, paymentID string, newStatus paymentmodel.Status, metadata map[string]any) (bool, error) {
	return false, errors.New("not implemented")
}

func (m *mockSyncService) RefundPayment(ctx context.Context, paymentID string, amount *int64) (*paymentPkg.RefundResponse, error) {
	return nil, errors.New("not implemented")
}

func fastConfig() paymentPkg.ReconcilerConfig {
	return paymentPkg.ReconcilerConfig{
		Interval:       50 * time.Millisecond,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		StaleThreshold: 10 * time.Minute,
		CandidateDelay: 0,
	}
}

var _ = Describe("Reconciler", func() {
	var (
		reconciler *paymentPkg.Reconciler
		mockSvc    *mockSyncService
		ctx        context.Context
	)

	BeforeEach(func() {
		mockSvc = newMockSyncService()
		ctx = context.Background()
		reconciler = paymentPkg.NewReconciler(mockSvc, nil, fastConfig(), nil, testLogger())
	})

	AfterEach(func() {
		reconciler.Stop()
	})

	Describe("RunOnce", func() {
		Context("when all candidates sync cleanly", func() {
			It("should aggregate results and accumulate stats", func() {
				mockSvc.addCandidate("pay-1", &paymentPkg.SyncResult{PaymentID: "pay-1", Synced: true, StatusChanged: true})
				mockSvc.addCandidate("pay-2", &paymentPkg.SyncResult{PaymentID: "pay-2", Synced: true})

				results := reconciler.RunOnce(ctx)

				Expect(results).To(HaveLen(2))

				stats := reconciler.Stats()
				Expect(stats.TotalSynced).To(Equal(int64(2)))
				Expect(stats.Successful).To(Equal(int64(2)))
				Expect(stats.Failed).To(Equal(int64(0)))
				Expect(stats.StatusChanged).To(Equal(int64(1)))
				Expect(stats.LastSyncAt).ToNot(BeNil())
			})
		})

		Context("when there is nothing to reconcile", func() {
			It("should leave the counters alone but still stamp the cycle time", func() {
				results := reconciler.RunOnce(ctx)

				Expect(results).To(BeEmpty())

				stats := reconciler.Stats()
				Expect(stats.TotalSynced).To(Equal(int64(0)))
				Expect(stats.Successful).To(Equal(int64(0)))
				Expect(stats.Failed).To(Equal(int64(0)))
				Expect(stats.LastSyncAt).ToNot(BeNil())
			})
		})

		Context("when a sync fails transiently", func() {
			It("should retry with backoff and eventually succeed", func() {
				mockSvc.addCandidate("pay-1", &paymentPkg.SyncResult{PaymentID: "pay-1", Synced: true})
				mockSvc.failUntil["pay-1"] = 2 // first two attempts fail

				results := reconciler.RunOnce(ctx)

				Expect(results).To(HaveLen(1))
				Expect(results[0].Synced).To(BeTrue())
				Expect(mockSvc.calls("pay-1")).To(Equal(3))

				stats := reconciler.Stats()
				Expect(stats.Successful).To(Equal(int64(1)))
				Expect(stats.Failed).To(Equal(int64(0)))
			})
		})

		Context("when retries are exhausted", func() {
			It("should count the payment as failed and keep going", func() {
				mockSvc.addCandidate("pay-bad", nil)
				mockSvc.syncErrs["pay-bad"] = errors.New("gateway down")
				mockSvc.addCandidate("pay-good", &paymentPkg.SyncResult{PaymentID: "pay-good", Synced: true})

				results := reconciler.RunOnce(ctx)

				Expect(results).To(HaveLen(2))
				Expect(mockSvc.calls("pay-bad")).To(Equal(3))
				Expect(mockSvc.calls("pay-good")).To(Equal(1))

				stats := reconciler.Stats()
				Expect(stats.Successful).To(Equal(int64(1)))
				Expect(stats.Failed).To(Equal(int64(1)))
			})
		})

		Context("when candidate selection fails", func() {
			It("should abort the cycle without stats changes", func() {
				mockSvc.candidatesErr = errors.New("store unavailable")

				results := reconciler.RunOnce(ctx)

				Expect(results).To(BeNil())
				Expect(reconciler.Stats().TotalSynced).To(Equal(int64(0)))
			})
		})

		Context("across multiple cycles", func() {
			It("should accumulate stats monotonically", func() {
				mockSvc.addCandidate("pay-1", &paymentPkg.SyncResult{PaymentID: "pay-1", Synced: true})

				reconciler.RunOnce(ctx)
				reconciler.RunOnce(ctx)
				reconciler.RunOnce(ctx)

				Expect(reconciler.Stats().TotalSynced).To(Equal(int64(3)))
			})
		})
	})

	Describe("Start and Stop", func() {
		It("should report running state and tolerate repeated calls", func() {
			Expect(reconciler.IsRunning()).To(BeFalse())

			reconciler.Start()
			Expect(reconciler.IsRunning()).To(BeTrue())

			reconciler.Start() // no-op
			Expect(reconciler.IsRunning()).To(BeTrue())

			reconciler.Stop()
			Expect(reconciler.IsRunning()).To(BeFalse())

			reconciler.Stop() // no-op
			Expect(reconciler.IsRunning()).To(BeFalse())
		})

		It("should run cycles on the configured interval", func() {
			mockSvc.addCandidate("pay-1", &paymentPkg.SyncResult{PaymentID: "pay-1", Synced: true})

			reconciler.Start()

			Eventually(func() int64 {
				return reconciler.Stats().TotalSynced
			}, time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))

			reconciler.Stop()
		})
	})

	Describe("UpdateConfig", func() {
		It("should restart a running loop with the new settings", func() {
			reconciler.Start()
			Expect(reconciler.IsRunning()).To(BeTrue())

			cfg := fastConfig()
			cfg.Interval = 25 * time.Millisecond
			reconciler.UpdateConfig(cfg)

			Expect(reconciler.IsRunning()).To(BeTrue())
		})

		It("should leave a stopped loop stopped", func() {
			reconciler.UpdateConfig(fastConfig())

			Expect(reconciler.IsRunning()).To(BeFalse())
		})
	})

	Describe("ResetStats", func() {
		It("should zero the counters", func() {
			mockSvc.addCandidate("pay-1", &paymentPkg.SyncResult{PaymentID: "pay-1", Synced: true})
			reconciler.RunOnce(ctx)
			Expect(reconciler.Stats().TotalSynced).To(Equal(int64(1)))

			reconciler.ResetStats()

			stats := reconciler.Stats()
			Expect(stats.TotalSynced).To(Equal(int64(0)))
			Expect(stats.LastSyncAt).To(BeNil())
		})
	})
})
