package payment_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentPkg "github.com/vendora/payment-core/internal/payment"
)

var _ = Describe("MemoryDedup", func() {
	var dedup *paymentPkg.MemoryDedup

	BeforeEach(func() {
		dedup = paymentPkg.NewMemoryDedup()
	})

	It("should not know an event before it is marked", func() {
		seen, err := dedup.Seen("evt-1")

		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(BeFalse())
	})

	It("should remember a marked event for the dedup window", func() {
		Expect(dedup.MarkProcessed("evt-1", time.Now().Add(paymentPkg.DedupWindow))).To(Succeed())

		seen, err := dedup.Seen("evt-1")

		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(BeTrue())
	})

	It("should forget an event past its expiry", func() {
		Expect(dedup.MarkProcessed("evt-1", time.Now().Add(-time.Second))).To(Succeed())

		seen, err := dedup.Seen("evt-1")

		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(BeFalse())
	})

	It("should track event ids independently", func() {
		Expect(dedup.MarkProcessed("evt-1", time.Now().Add(time.Hour))).To(Succeed())

		seen, err := dedup.Seen("evt-2")

		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(BeFalse())
	})
})
