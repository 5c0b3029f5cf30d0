package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dmpolin/connect-billing/internal/billing"
	paymentmodel "github.com/dmpolin/connect-billing/internal/core/datamodel/payment"
	"github.com/dmpolin/connect-billing/internal/gateway"
)

var _ = Describe("Reconciler", func() {
	var (
		reconciler   *billing.Reconciler
		svc          *billing.Service
		repo         *mockPaymentRepo
		entitlements *mockEntitlements
		gw           *mockGateway
		now          time.Time
	)

	cfg := billing.ReconcilerConfig{
		GracePeriod: 2 * time.Minute,
		HardCutoff:  30 * time.Minute,
		MaxAttempts: 5,
		BatchLimit:  50,
	}

	BeforeEach(func() {
		now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		repo = newMockPaymentRepo()
		entitlements = &mockEntitlements{}
		gw = &mockGateway{}
		svc = billing.NewService(repo, entitlements, gw, nil, testLogger())
		reconciler = billing.NewReconciler(repo, gw, svc, cfg, testLogger()).
			WithClock(func() time.Time { return now })
	})

	pendingAged := func(checkout string, age time.Duration) *paymentmodel.Payment {
		subID := int64(10)
		p := &paymentmodel.Payment{
			SubscriptionID: &subID,
			Phone:          "254712345678",
			Status:         paymentmodel.StatusPending,
			CreatedAt:      now.Add(-age),
		}
		if checkout != "" {
			p.CheckoutRequestID = &checkout
		}
		Expect(repo.Create(p)).To(Succeed())
		return p
	}

	successQuery := func() *gateway.QueryResponse {
		code := gateway.ResultCodeSuccess
		return &gateway.QueryResponse{
			CheckoutRequestID: "ws_CO_rec",
			ResultCode:        &code,
			ResultDesc:        "The service request is processed successfully.",
			Raw:               json.RawMessage(`{"ResultCode":"0"}`),
		}
	}

	Context("when a payment is younger than the grace period", func() {
		It("should leave it alone without querying the gateway", func() {
			pendingAged("ws_CO_young", time.Minute)

			Expect(reconciler.Run(context.Background())).To(Succeed())
			Expect(gw.queries).To(BeEmpty())
		})
	})

	Context("when the gateway confirms a stuck payment", func() {
		It("should finalize it as reconciled and apply the entitlement", func() {
			p := pendingAged("ws_CO_rec", 5*time.Minute)
			gw.queryResp = successQuery()

			Expect(reconciler.Run(context.Background())).To(Succeed())

			Expect(p.Status).To(Equal(paymentmodel.StatusReconciled))
			Expect(p.ReconcileAttempts).To(Equal(1))
			Expect(entitlements.applied).To(Equal([]int64{p.ID}))
		})
	})

	Context("when the query is inconclusive", func() {
		It("should bump the attempt counter and keep the payment pending", func() {
			p := pendingAged("ws_CO_inc", 5*time.Minute)
			gw.queryResp = &gateway.QueryResponse{ResultDesc: "The transaction is being processed"}

			Expect(reconciler.Run(context.Background())).To(Succeed())

			Expect(p.Status).To(Equal(paymentmodel.StatusPending))
			Expect(p.ReconcileAttempts).To(Equal(1))
		})
	})

	Context("when the gateway is unreachable", func() {
		It("should still bump the counter so the candidate set shrinks", func() {
			p := pendingAged("ws_CO_down", 5*time.Minute)
			gw.queryErr = errors.New("dial tcp: connection refused")

			Expect(reconciler.Run(context.Background())).To(Succeed())

			Expect(p.Status).To(Equal(paymentmodel.StatusPending))
			Expect(p.ReconcileAttempts).To(Equal(1))
		})
	})

	Context("when a payment ages past the hard cutoff", func() {
		It("should time it out without asking the gateway again", func() {
			p := pendingAged("ws_CO_old", time.Hour)

			Expect(reconciler.Run(context.Background())).To(Succeed())

			Expect(p.Status).To(Equal(paymentmodel.StatusTimeout))
			Expect(gw.queries).To(BeEmpty())
		})
	})

	Context("when a payment never got a checkout id", func() {
		It("should age it out at the hard cutoff", func() {
			young := pendingAged("", 5*time.Minute)
			old := pendingAged("", time.Hour)

			Expect(reconciler.Run(context.Background())).To(Succeed())

			Expect(young.Status).To(Equal(paymentmodel.StatusPending))
			Expect(old.Status).To(Equal(paymentmodel.StatusTimeout))
			Expect(gw.queries).To(BeEmpty())
		})
	})

	Context("when a payment has exhausted its attempts", func() {
		It("should no longer be a candidate", func() {
			p := pendingAged("ws_CO_max", 5*time.Minute)
			p.ReconcileAttempts = cfg.MaxAttempts

			Expect(reconciler.Run(context.Background())).To(Succeed())
			Expect(gw.queries).To(BeEmpty())
			Expect(p.Status).To(Equal(paymentmodel.StatusPending))
		})
	})

	Context("when the gateway reports a cancellation", func() {
		It("should conclude the payment as cancelled", func() {
			p := pendingAged("ws_CO_can", 5*time.Minute)
			code := gateway.ResultCodeCancelled
			gw.queryResp = &gateway.QueryResponse{ResultCode: &code, ResultDesc: "Request cancelled by user"}

			Expect(reconciler.Run(context.Background())).To(Succeed())

			Expect(p.Status).To(Equal(paymentmodel.StatusCancelled))
			Expect(entitlements.applied).To(BeEmpty())
		})
	})
})

var _ = Describe("Sweeper", func() {
	var (
		sweeper      *billing.Sweeper
		repo         *mockPaymentRepo
		entitlements *mockEntitlements
	)

	cfg := billing.SweeperConfig{MaxAttempts: 10, BatchLimit: 50}

	BeforeEach(func() {
		repo = newMockPaymentRepo()
		entitlements = &mockEntitlements{}
		svc := billing.NewService(repo, entitlements, &mockGateway{}, nil, testLogger())
		sweeper = billing.NewSweeper(repo, svc, cfg, testLogger())
	})

	activationFailed := func(attempts int) *paymentmodel.Payment {
		subID := int64(10)
		p := &paymentmodel.Payment{
			SubscriptionID:     &subID,
			Phone:              "254712345678",
			Status:             paymentmodel.StatusActivationFailed,
			ActivationAttempts: attempts,
		}
		Expect(repo.Create(p)).To(Succeed())
		return p
	}

	Context("when a retry lands", func() {
		It("should promote the payment to success", func() {
			p := activationFailed(2)

			Expect(sweeper.Run(context.Background())).To(Succeed())

			Expect(p.Status).To(Equal(paymentmodel.StatusSuccess))
			Expect(entitlements.applied).To(Equal([]int64{p.ID}))
		})
	})

	Context("when the retry fails again", func() {
		It("should bump the counter and continue the batch", func() {
			p := activationFailed(2)
			entitlements.applyErr = errors.New("still down")

			Expect(sweeper.Run(context.Background())).To(Succeed())

			Expect(p.Status).To(Equal(paymentmodel.StatusActivationFailed))
			Expect(p.ActivationAttempts).To(Equal(3))
		})
	})

	Context("when the attempt cap is reached", func() {
		It("should leave the payment for operator review", func() {
			p := activationFailed(cfg.MaxAttempts)

			Expect(sweeper.Run(context.Background())).To(Succeed())

			Expect(p.Status).To(Equal(paymentmodel.StatusActivationFailed))
			Expect(entitlements.applied).To(BeEmpty())
		})
	})

	Context("when a successful payment is missing its entitlement effect", func() {
		orphanedSuccess := func(paidAgo time.Duration) *paymentmodel.Payment {
			subID := int64(10)
			paid := time.Now().Add(-paidAgo)
			p := &paymentmodel.Payment{
				SubscriptionID: &subID,
				Phone:          "254712345678",
				Status:         paymentmodel.StatusSuccess,
				PaidAt:         &paid,
			}
			Expect(repo.Create(p)).To(Succeed())
			return p
		}

		It("should replay the entitlement step once the grace window passes", func() {
			p := orphanedSuccess(10 * time.Minute)

			Expect(sweeper.Run(context.Background())).To(Succeed())

			Expect(entitlements.applied).To(Equal([]int64{p.ID}))
			Expect(p.LastActivationAt).ToNot(BeNil())
		})

		It("should leave a freshly finalized payment alone", func() {
			orphanedSuccess(5 * time.Second)

			Expect(sweeper.Run(context.Background())).To(Succeed())

			Expect(entitlements.applied).To(BeEmpty())
		})
	})
})
