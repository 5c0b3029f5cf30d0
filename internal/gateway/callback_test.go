package gateway_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dmpolin/connect-billing/internal/gateway"
)

var _ = Describe("ParseCallback", func() {
	successBody := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "mr_1",
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 300.0},
						{"Name": "MpesaReceiptNumber", "Value": "SBK1XYZ99"},
						{"Name": "TransactionDate", "Value": 20260310120501},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`)

	Context("when the body is a success callback", func() {
		It("should expose the metadata fields", func() {
			cb, err := gateway.ParseCallback(successBody)
			Expect(err).ToNot(HaveOccurred())
			Expect(cb.CheckoutRequestID).To(Equal("ws_CO_1"))
			Expect(cb.ResultCode).To(Equal(gateway.ResultCodeSuccess))
			Expect(cb.Receipt()).To(Equal("SBK1XYZ99"))
			Expect(cb.PayerPhone()).To(Equal("254712345678"))

			amount, ok := cb.Amount()
			Expect(ok).To(BeTrue())
			Expect(amount).To(Equal(300.0))

			paidAt, ok := cb.TransactionDate()
			Expect(ok).To(BeTrue())
			Expect(paidAt).To(Equal(time.Date(2026, 3, 10, 12, 5, 1, 0, time.UTC)))
		})
	})

	Context("when the callback reports a failure", func() {
		It("should carry the result code with no metadata", func() {
			body := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)

			cb, err := gateway.ParseCallback(body)
			Expect(err).ToNot(HaveOccurred())
			Expect(cb.ResultCode).To(Equal(gateway.ResultCodeCancelled))
			Expect(cb.Receipt()).To(BeEmpty())

			_, ok := cb.Amount()
			Expect(ok).To(BeFalse())
			_, ok = cb.TransactionDate()
			Expect(ok).To(BeFalse())
		})
	})

	Context("when the body is not JSON", func() {
		It("should return a decode error", func() {
			_, err := gateway.ParseCallback([]byte(`not json at all`))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("when the checkout id is missing", func() {
		It("should reject the callback", func() {
			_, err := gateway.ParseCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`))
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("ParseTimeoutNotice", func() {
	Context("when the id is a top-level field", func() {
		It("should return it", func() {
			id, err := gateway.ParseTimeoutNotice([]byte(`{"CheckoutRequestID":"ws_CO_t1"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("ws_CO_t1"))
		})

		It("should accept the lower-camel casing", func() {
			id, err := gateway.ParseTimeoutNotice([]byte(`{"checkoutRequestID":"ws_CO_t2"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("ws_CO_t2"))
		})
	})

	Context("when the id is nested in the callback envelope", func() {
		It("should return it", func() {
			body := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_t3","ResultDesc":"timeout"}}}`)
			id, err := gateway.ParseTimeoutNotice(body)
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("ws_CO_t3"))
		})
	})

	Context("when no shape carries an id", func() {
		It("should reject the notice", func() {
			_, err := gateway.ParseTimeoutNotice([]byte(`{}`))
			Expect(err).To(HaveOccurred())
		})
	})
})
