package entitlement_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/customer"
	paymentmodel "github.com/dmpolin/connect-billing/internal/core/datamodel/payment"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/plan"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
	"github.com/dmpolin/connect-billing/internal/entitlement"
	"github.com/dmpolin/connect-billing/internal/network"
)

// Mock subscription repository
type mockSubscriptionRepo struct {
	subs       map[int64]*subscription.Subscription
	nextID     int64
	lockError  error
	createErr  error
	lockedSubs []int64
}

func newMockSubscriptionRepo() *mockSubscriptionRepo {
	return &mockSubscriptionRepo{subs: make(map[int64]*subscription.Subscription), nextID: 1}
}

func (m *mockSubscriptionRepo) GetByID(id int64) (*subscription.Subscription, error) {
	sub, ok := m.subs[id]
	if !ok {
		return nil, internal.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (m *mockSubscriptionRepo) FindByIdentity(serviceType, identity string) (*subscription.Subscription, error) {
	for _, sub := range m.subs {
		if sub.ServiceType == serviceType && sub.Identity() == identity {
			return sub, nil
		}
	}
	return nil, internal.ErrSubscriptionNotFound
}

func (m *mockSubscriptionRepo) FindActiveByIdentity(serviceType, identity string) (*subscription.Subscription, error) {
	for _, sub := range m.subs {
		if sub.ServiceType == serviceType && sub.Identity() == identity && sub.Status == subscription.StatusActive {
			return sub, nil
		}
	}
	return nil, internal.ErrSubscriptionNotFound
}

func (m *mockSubscriptionRepo) ListExpired(now time.Time, limit int) ([]*subscription.Subscription, error) {
	var out []*subscription.Subscription
	for _, sub := range m.subs {
		if sub.Status == subscription.StatusActive && sub.ExpiresAt != nil && !sub.ExpiresAt.After(now) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *mockSubscriptionRepo) Create(sub *subscription.Subscription) error {
	if m.createErr != nil {
		return m.createErr
	}
	sub.ID = m.nextID
	m.nextID++
	m.subs[sub.ID] = sub
	return nil
}

func (m *mockSubscriptionRepo) UpdateWithLock(id int64, fn func(sub *subscription.Subscription) error) error {
	if m.lockError != nil {
		return m.lockError
	}
	sub, ok := m.subs[id]
	if !ok {
		return internal.ErrSubscriptionNotFound
	}
	m.lockedSubs = append(m.lockedSubs, id)
	return fn(sub)
}

// Mock plan repository
type mockPlanRepo struct {
	plans map[int64]*plan.Plan
}

func newMockPlanRepo(plans ...*plan.Plan) *mockPlanRepo {
	m := &mockPlanRepo{plans: make(map[int64]*plan.Plan)}
	for _, p := range plans {
		m.plans[p.ID] = p
	}
	return m
}

func (m *mockPlanRepo) GetByID(id int64) (*plan.Plan, error) {
	p, ok := m.plans[id]
	if !ok {
		return nil, internal.ErrUnknownPlan
	}
	return p, nil
}

func (m *mockPlanRepo) GetByCode(code string) (*plan.Plan, error) {
	for _, p := range m.plans {
		if p.Code == code {
			return p, nil
		}
	}
	return nil, internal.ErrUnknownPlan
}

// Mock customer repository
type mockCustomerRepo struct {
	customers map[int64]*customer.Customer
	nextID    int64
}

func newMockCustomerRepo() *mockCustomerRepo {
	return &mockCustomerRepo{customers: make(map[int64]*customer.Customer), nextID: 1}
}

func (m *mockCustomerRepo) GetByID(id int64) (*customer.Customer, error) {
	c, ok := m.customers[id]
	if !ok {
		return nil, errors.New("customer not found")
	}
	return c, nil
}

func (m *mockCustomerRepo) GetByPhone(phone string) (*customer.Customer, error) {
	for _, c := range m.customers {
		if c.Phone == phone {
			return c, nil
		}
	}
	return nil, errors.New("customer not found")
}

func (m *mockCustomerRepo) Create(c *customer.Customer) error {
	c.ID = m.nextID
	m.nextID++
	m.customers[c.ID] = c
	return nil
}

// Mock payment history
type mockPaymentHistory struct {
	payments []*paymentmodel.Payment
	listErr  error
}

func (m *mockPaymentHistory) ListAppliedBySubscription(subscriptionID int64) ([]*paymentmodel.Payment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*paymentmodel.Payment
	for _, p := range m.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Mock device enforcer recording calls
type grantCall struct {
	serviceType string
	identity    string
	profile     string
	password    string
}

type mockEnforcer struct {
	grants   []grantCall
	revokes  []string
	grantErr error
}

func (m *mockEnforcer) Grant(ctx context.Context, serviceType, identity, profile, password string) network.Result {
	m.grants = append(m.grants, grantCall{serviceType, identity, profile, password})
	if m.grantErr != nil {
		return network.Failure(m.grantErr)
	}
	return network.Done("granted")
}

func (m *mockEnforcer) Revoke(ctx context.Context, serviceType, identity string) network.Result {
	m.revokes = append(m.revokes, identity)
	return network.Done("revoked")
}

var _ = Describe("EntitlementService", func() {
	var (
		svc       *entitlement.Service
		subs      *mockSubscriptionRepo
		plans     *mockPlanRepo
		customers *mockCustomerRepo
		history   *mockPaymentHistory
		enforcer  *mockEnforcer
		now       time.Time

		dailyPlan   *plan.Plan
		weeklyPlan  *plan.Plan
		monthlyPlan *plan.Plan
	)

	BeforeEach(func() {
		now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		dailyPlan = &plan.Plan{ID: 1, Code: "daily_1", Name: "Daily", DurationMinutes: 1440, PriceKES: 50, RouterProfile: "1user_daily"}
		weeklyPlan = &plan.Plan{ID: 2, Code: "weekly_1", Name: "Weekly", DurationMinutes: 10080, PriceKES: 300, RouterProfile: "1user_weekly"}
		monthlyPlan = &plan.Plan{ID: 3, Code: "monthly_1", Name: "Monthly", DurationMinutes: 43200, PriceKES: 900, RouterProfile: "1user_monthly"}

		subs = newMockSubscriptionRepo()
		plans = newMockPlanRepo(dailyPlan, weeklyPlan, monthlyPlan)
		customers = newMockCustomerRepo()
		history = &mockPaymentHistory{}
		enforcer = &mockEnforcer{}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		svc = entitlement.NewService(subs, plans, customers, history, enforcer, nil, logger).
			WithClock(func() time.Time { return now })
	})

	activeSub := func(pl *plan.Plan, identity string, expiresIn time.Duration) *subscription.Subscription {
		starts := now.Add(-24 * time.Hour)
		expires := now.Add(expiresIn)
		sub := &subscription.Subscription{
			CustomerID:  1,
			PlanID:      pl.ID,
			ServiceType: subscription.ServiceHotspot,
			Status:      subscription.StatusActive,
			StartsAt:    &starts,
			ExpiresAt:   &expires,
		}
		sub.SetIdentity(identity)
		Expect(subs.Create(sub)).To(Succeed())
		return sub
	}

	activePPPoE := func(pl *plan.Plan, identity string, expiresIn time.Duration) *subscription.Subscription {
		starts := now.Add(-24 * time.Hour)
		expires := now.Add(expiresIn)
		sub := &subscription.Subscription{
			CustomerID:  1,
			PlanID:      pl.ID,
			ServiceType: subscription.ServicePPPoE,
			Status:      subscription.StatusActive,
			StartsAt:    &starts,
			ExpiresAt:   &expires,
		}
		sub.SetIdentity(identity)
		Expect(subs.Create(sub)).To(Succeed())
		return sub
	}

	Describe("ResolvePurchase", func() {
		Context("when the plan code is unknown", func() {
			It("should fail with the unknown plan error", func() {
				_, err := svc.ResolvePurchase(context.Background(), "254712345678", "hotspot", "", "nope")
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, internal.ErrUnknownPlan)).To(BeTrue())
			})
		})

		Context("when the customer pays for the first time", func() {
			It("should create customer and pending subscription with the phone as identity", func() {
				pctx, err := svc.ResolvePurchase(context.Background(), "254712345678", "hotspot", "", "daily_1")
				Expect(err).ToNot(HaveOccurred())
				Expect(pctx.Customer.Phone).To(Equal("254712345678"))
				Expect(pctx.Subscription.Status).To(Equal(subscription.StatusPending))
				Expect(pctx.Subscription.Identity()).To(Equal("254712345678"))
				Expect(pctx.CurrentPlan).To(BeNil())
				Expect(pctx.TargetPlan.ID).To(Equal(dailyPlan.ID))
			})
		})

		Context("when a pppoe purchase has no identity", func() {
			It("should fail with the missing identity error", func() {
				_, err := svc.ResolvePurchase(context.Background(), "254712345678", "pppoe", "", "daily_1")
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, internal.ErrMissingIdentity)).To(BeTrue())
			})
		})

		Context("when the identity already has an active subscription", func() {
			It("should load the current plan for the charge decision", func() {
				cust := &customer.Customer{Phone: "254712345678"}
				Expect(customers.Create(cust)).To(Succeed())
				activeSub(weeklyPlan, "254712345678", 3*24*time.Hour)

				pctx, err := svc.ResolvePurchase(context.Background(), "254712345678", "hotspot", "", "monthly_1")
				Expect(err).ToNot(HaveOccurred())
				Expect(pctx.CurrentPlan).ToNot(BeNil())
				Expect(pctx.CurrentPlan.ID).To(Equal(weeklyPlan.ID))
				Expect(pctx.TargetPlan.ID).To(Equal(monthlyPlan.ID))
			})
		})
	})

	Describe("QuoteCharge", func() {
		Context("when there is no active entitlement", func() {
			It("should quote the full price as a renewal", func() {
				quote := svc.QuoteCharge(&entitlement.PurchaseContext{TargetPlan: weeklyPlan})
				Expect(quote.Mode).To(Equal(paymentmodel.ModeRenewal))
				Expect(quote.Amount).To(Equal(int64(300)))
			})
		})

		Context("when renewing the same plan early", func() {
			It("should quote the full price as an extension", func() {
				sub := activeSub(weeklyPlan, "254712345678", 2*24*time.Hour)
				quote := svc.QuoteCharge(&entitlement.PurchaseContext{
					Subscription: sub, CurrentPlan: weeklyPlan, TargetPlan: weeklyPlan,
				})
				Expect(quote.Mode).To(Equal(paymentmodel.ModeRenewExtend))
				Expect(quote.Amount).To(Equal(int64(300)))
			})
		})

		Context("when an active hotspot subscriber buys a different plan", func() {
			It("should charge the full price of a cheaper plan instead of scheduling", func() {
				sub := activeSub(weeklyPlan, "254712345678", 2*24*time.Hour)
				quote := svc.QuoteCharge(&entitlement.PurchaseContext{
					Subscription: sub, CurrentPlan: weeklyPlan, TargetPlan: dailyPlan,
				})
				Expect(quote.Mode).To(Equal(paymentmodel.ModeRenewExtend))
				Expect(quote.Amount).To(Equal(int64(50)))
			})

			It("should charge the full price of a pricier plan without prorating", func() {
				sub := activeSub(weeklyPlan, "254712345678", weeklyPlan.Duration()/2)
				quote := svc.QuoteCharge(&entitlement.PurchaseContext{
					Subscription: sub, CurrentPlan: weeklyPlan, TargetPlan: monthlyPlan,
				})
				Expect(quote.Mode).To(Equal(paymentmodel.ModeRenewExtend))
				Expect(quote.Amount).To(Equal(int64(900)))
			})
		})

		Context("when upgrading a pppoe line mid-cycle", func() {
			It("should prorate the price delta over the remaining time", func() {
				// weekly 300 -> monthly 900, half the weekly period left
				sub := activePPPoE(weeklyPlan, "line-42", weeklyPlan.Duration()/2)
				quote := svc.QuoteCharge(&entitlement.PurchaseContext{
					Subscription: sub, CurrentPlan: weeklyPlan, TargetPlan: monthlyPlan,
				})
				Expect(quote.Mode).To(Equal(paymentmodel.ModeUpgradeProrated))
				Expect(quote.Amount).To(Equal(int64(300)))
			})
		})

		Context("when switching a pppoe line to a cheaper plan", func() {
			It("should quote zero so the change is scheduled instead", func() {
				sub := activePPPoE(weeklyPlan, "line-42", 2*24*time.Hour)
				quote := svc.QuoteCharge(&entitlement.PurchaseContext{
					Subscription: sub, CurrentPlan: weeklyPlan, TargetPlan: dailyPlan,
				})
				Expect(quote.Amount).To(Equal(int64(0)))
			})
		})
	})

	Describe("ScheduleDowngrade", func() {
		It("should store the pending plan without touching the active one", func() {
			sub := activeSub(weeklyPlan, "254712345678", 2*24*time.Hour)
			expiryBefore := *sub.ExpiresAt

			Expect(svc.ScheduleDowngrade(context.Background(), sub.ID, dailyPlan.ID)).To(Succeed())

			Expect(sub.PendingPlanID).ToNot(BeNil())
			Expect(*sub.PendingPlanID).To(Equal(dailyPlan.ID))
			Expect(sub.PlanID).To(Equal(weeklyPlan.ID))
			Expect(*sub.ExpiresAt).To(Equal(expiryBefore))
		})
	})

	Describe("ApplyPayment", func() {
		var (
			cust *customer.Customer
		)

		BeforeEach(func() {
			cust = &customer.Customer{Phone: "254712345678"}
			Expect(customers.Create(cust)).To(Succeed())
		})

		successPayment := func(sub *subscription.Subscription, pl *plan.Plan, mode string) *paymentmodel.Payment {
			paidAt := now
			p := &paymentmodel.Payment{
				ID:             100,
				SubscriptionID: &sub.ID,
				Phone:          "254712345678",
				Status:         paymentmodel.StatusSuccess,
				PaidAt:         &paidAt,
				Intent:         paymentmodel.Intent{Mode: mode, PlanID: pl.ID},
			}
			return p
		}

		Context("when renewing a lapsed subscription", func() {
			It("should start the window at the payment time and grant device access", func() {
				sub := activeSub(weeklyPlan, "254712345678", -time.Hour)
				sub.Status = subscription.StatusExpired
				p := successPayment(sub, weeklyPlan, paymentmodel.ModeRenewal)

				Expect(svc.ApplyPayment(context.Background(), p)).To(Succeed())

				Expect(sub.Status).To(Equal(subscription.StatusActive))
				Expect(*sub.ExpiresAt).To(Equal(now.Add(weeklyPlan.Duration())))
				Expect(*sub.StartsAt).To(Equal(now))
				Expect(*sub.LastPaymentID).To(Equal(int64(100)))
				Expect(enforcer.grants).To(HaveLen(1))
				Expect(enforcer.grants[0].profile).To(Equal("1user_weekly"))
			})
		})

		Context("when renewing early", func() {
			It("should stack the new window on the remaining time", func() {
				sub := activeSub(weeklyPlan, "254712345678", 2*24*time.Hour)
				prior := *sub.ExpiresAt
				p := successPayment(sub, weeklyPlan, paymentmodel.ModeRenewExtend)

				Expect(svc.ApplyPayment(context.Background(), p)).To(Succeed())
				Expect(*sub.ExpiresAt).To(Equal(prior.Add(weeklyPlan.Duration())))
			})
		})

		Context("when the same payment is applied twice", func() {
			It("should not extend twice but should redo the device step", func() {
				sub := activeSub(weeklyPlan, "254712345678", 2*24*time.Hour)
				p := successPayment(sub, weeklyPlan, paymentmodel.ModeRenewExtend)

				Expect(svc.ApplyPayment(context.Background(), p)).To(Succeed())
				expiryAfterFirst := *sub.ExpiresAt

				Expect(svc.ApplyPayment(context.Background(), p)).To(Succeed())
				Expect(*sub.ExpiresAt).To(Equal(expiryAfterFirst))
				Expect(enforcer.grants).To(HaveLen(2))
			})
		})

		Context("when a downgrade is pending at renewal", func() {
			It("should apply the pending plan instead of the charged one and clear it", func() {
				sub := activePPPoE(weeklyPlan, "line-42", time.Hour)
				sub.PendingPlanID = &dailyPlan.ID
				prior := *sub.ExpiresAt
				p := successPayment(sub, weeklyPlan, paymentmodel.ModeRenewExtend)

				Expect(svc.ApplyPayment(context.Background(), p)).To(Succeed())

				Expect(sub.PlanID).To(Equal(dailyPlan.ID))
				Expect(sub.PendingPlanID).To(BeNil())
				Expect(*sub.ExpiresAt).To(Equal(prior.Add(dailyPlan.Duration())))
			})
		})

		Context("when an upgrade payment lands", func() {
			It("should swap the plan without touching the expiry", func() {
				sub := activePPPoE(weeklyPlan, "line-42", 2*24*time.Hour)
				prior := *sub.ExpiresAt
				p := successPayment(sub, weeklyPlan, paymentmodel.ModeUpgradeProrated)
				p.Intent.TargetPlanID = monthlyPlan.ID

				Expect(svc.ApplyPayment(context.Background(), p)).To(Succeed())

				Expect(sub.PlanID).To(Equal(monthlyPlan.ID))
				Expect(*sub.ExpiresAt).To(Equal(prior))
				Expect(enforcer.grants[0].profile).To(Equal("1user_monthly"))
			})
		})

		Context("when a hotspot row has no identity yet", func() {
			It("should backfill the identity from the payment phone", func() {
				sub := &subscription.Subscription{
					CustomerID:  cust.ID,
					PlanID:      dailyPlan.ID,
					ServiceType: subscription.ServiceHotspot,
					Status:      subscription.StatusPending,
				}
				Expect(subs.Create(sub)).To(Succeed())
				p := successPayment(sub, dailyPlan, paymentmodel.ModeRenewal)

				Expect(svc.ApplyPayment(context.Background(), p)).To(Succeed())
				Expect(sub.Identity()).To(Equal("254712345678"))
			})
		})

		Context("when the router is unreachable", func() {
			It("should keep the committed extension and surface a router error", func() {
				sub := activeSub(weeklyPlan, "254712345678", time.Hour)
				enforcer.grantErr = errors.New("dial tcp: connection refused")
				p := successPayment(sub, weeklyPlan, paymentmodel.ModeRenewExtend)

				err := svc.ApplyPayment(context.Background(), p)
				Expect(err).To(HaveOccurred())
				appErr, ok := internal.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.Code).To(Equal(internal.ErrCodeRouterUnreachable))

				// The entitlement extension stands regardless.
				Expect(sub.Status).To(Equal(subscription.StatusActive))
				Expect(*sub.LastPaymentID).To(Equal(int64(100)))
			})
		})
	})

	Describe("Provision", func() {
		It("should activate without a payment and grant access", func() {
			resp, err := svc.Provision(context.Background(), &entitlement.ProvisionRequest{
				Phone:       "254712345678",
				PlanCode:    "daily_1",
				ServiceType: "hotspot",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(subscription.StatusActive))
			Expect(resp.ExpiresAt).ToNot(BeNil())
			Expect(*resp.ExpiresAt).To(Equal(now.Add(dailyPlan.Duration())))
			Expect(enforcer.grants).To(HaveLen(1))
		})

		It("should reject an invalid request", func() {
			_, err := svc.Provision(context.Background(), &entitlement.ProvisionRequest{Phone: "254712345678"})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RecomputeExpiry", func() {
		It("should replay the surviving payments in paid order", func() {
			sub := activeSub(weeklyPlan, "254712345678", 10*24*time.Hour)

			first := now.Add(-10 * 24 * time.Hour)
			second := now.Add(-3 * 24 * time.Hour)
			history.payments = []*paymentmodel.Payment{
				{ID: 1, SubscriptionID: &sub.ID, Status: paymentmodel.StatusSuccess, PaidAt: &first,
					Intent: paymentmodel.Intent{Mode: paymentmodel.ModeRenewal, PlanID: weeklyPlan.ID}},
				{ID: 2, SubscriptionID: &sub.ID, Status: paymentmodel.StatusReconciled, PaidAt: &second,
					Intent: paymentmodel.Intent{Mode: paymentmodel.ModeRenewExtend, PlanID: weeklyPlan.ID}},
			}

			resp, err := svc.RecomputeExpiry(context.Background(), sub.ID)
			Expect(err).ToNot(HaveOccurred())

			// first window lapses before the second payment, so the second
			// restarts from its own paid time
			want := second.Add(weeklyPlan.Duration())
			Expect(resp.ExpiresAt).ToNot(BeNil())
			Expect(*resp.ExpiresAt).To(Equal(want))
			Expect(resp.Status).To(Equal(subscription.StatusActive))
		})

		It("should expire and revoke when nothing survives", func() {
			sub := activeSub(weeklyPlan, "254712345678", 2*24*time.Hour)
			history.payments = nil

			resp, err := svc.RecomputeExpiry(context.Background(), sub.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status).To(Equal(subscription.StatusExpired))
			Expect(resp.ExpiresAt).To(BeNil())
			Expect(enforcer.revokes).To(HaveLen(1))
		})

		It("should skip prorated upgrades in the replay", func() {
			sub := activeSub(weeklyPlan, "254712345678", 10*24*time.Hour)

			paid := now.Add(-24 * time.Hour)
			history.payments = []*paymentmodel.Payment{
				{ID: 1, SubscriptionID: &sub.ID, Status: paymentmodel.StatusSuccess, PaidAt: &paid,
					Intent: paymentmodel.Intent{Mode: paymentmodel.ModeRenewal, PlanID: weeklyPlan.ID}},
				{ID: 2, SubscriptionID: &sub.ID, Status: paymentmodel.StatusSuccess, PaidAt: &now,
					Intent: paymentmodel.Intent{Mode: paymentmodel.ModeUpgradeProrated, PlanID: weeklyPlan.ID, TargetPlanID: monthlyPlan.ID}},
			}

			resp, err := svc.RecomputeExpiry(context.Background(), sub.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(*resp.ExpiresAt).To(Equal(paid.Add(weeklyPlan.Duration())))
		})
	})

	Describe("GetByIdentity", func() {
		It("should return the stored subscription", func() {
			activeSub(weeklyPlan, "254712345678", 2*24*time.Hour)

			resp, err := svc.GetByIdentity("hotspot", "254712345678")
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.PlanCode).To(Equal("weekly_1"))
			Expect(resp.Status).To(Equal(subscription.StatusActive))
		})

		It("should return not found for an unknown identity", func() {
			_, err := svc.GetByIdentity("hotspot", "nobody")
			Expect(errors.Is(err, internal.ErrSubscriptionNotFound)).To(BeTrue())
		})
	})
})
