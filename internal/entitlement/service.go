package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/customer"
	paymentmodel "github.com/dmpolin/connect-billing/internal/core/datamodel/payment"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/plan"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
	"github.com/dmpolin/connect-billing/internal/core/events"
	"github.com/dmpolin/connect-billing/internal/network"
)

// SubscriptionRepository is the persistence contract for entitlement rows.
// UpdateWithLock loads the row FOR UPDATE, runs fn, and saves inside the same
// transaction; activation races surface as internal.ErrAlreadyActive.
type SubscriptionRepository interface {
	GetByID(id int64) (*subscription.Subscription, error)
	FindByIdentity(serviceType, identity string) (*subscription.Subscription, error)
	FindActiveByIdentity(serviceType, identity string) (*subscription.Subscription, error)
	ListExpired(now time.Time, limit int) ([]*subscription.Subscription, error)
	Create(sub *subscription.Subscription) error
	UpdateWithLock(id int64, fn func(sub *subscription.Subscription) error) error
}

type PlanRepository interface {
	GetByID(id int64) (*plan.Plan, error)
	GetByCode(code string) (*plan.Plan, error)
}

type CustomerRepository interface {
	GetByID(id int64) (*customer.Customer, error)
	GetByPhone(phone string) (*customer.Customer, error)
	Create(c *customer.Customer) error
}

// PaymentHistory exposes the applied payments of a subscription for expiry
// recomputation. Implemented by the billing store.
type PaymentHistory interface {
	ListAppliedBySubscription(subscriptionID int64) ([]*paymentmodel.Payment, error)
}

// DeviceEnforcer is the network-side collaborator. Results are inspected,
// never treated as transactional: a device failure after a store commit is
// retried later, not rolled back.
type DeviceEnforcer interface {
	Grant(ctx context.Context, serviceType, identity, profile, password string) network.Result
	Revoke(ctx context.Context, serviceType, identity string) network.Result
}

// Service owns every subscription mutation. The billing finalize path calls
// ApplyPayment after a payment commits as success; nothing else extends
// expiry.
type Service struct {
	subs      SubscriptionRepository
	plans     PlanRepository
	customers CustomerRepository
	payments  PaymentHistory
	enforcer  DeviceEnforcer
	eventBus  *events.EventBus
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(
	subs SubscriptionRepository,
	plans PlanRepository,
	customers CustomerRepository,
	payments PaymentHistory,
	enforcer DeviceEnforcer,
	eventBus *events.EventBus,
	logger *slog.Logger,
) *Service {
	return &Service{
		subs:      subs,
		plans:     plans,
		customers: customers,
		payments:  payments,
		enforcer:  enforcer,
		eventBus:  eventBus,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock swaps the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ResolvePurchase prepares a purchase: customer row by phone (created on
// first contact), subscription row for the identity (created pending when
// absent) and both plan sides of the charge decision.
func (s *Service) ResolvePurchase(ctx context.Context, phone, serviceType, identity, planCode string) (*PurchaseContext, error) {
	targetPlan, err := s.plans.GetByCode(planCode)
	if err != nil {
		return nil, internal.ErrUnknownPlan.WithDetails(planCode)
	}

	serviceType = strings.ToLower(strings.TrimSpace(serviceType))
	if identity == "" && serviceType == subscription.ServiceHotspot {
		// Hotspot logins are the phone number itself.
		identity = phone
	}
	if identity == "" {
		return nil, internal.ErrMissingIdentity
	}

	cust, err := s.customers.GetByPhone(phone)
	if err != nil {
		cust = &customer.Customer{Phone: phone}
		if serviceType == subscription.ServicePPPoE {
			cust.PPPoEUsername = &identity
		}
		if err := s.customers.Create(cust); err != nil {
			return nil, internal.NewInternalError("create customer", err)
		}
		s.logger.Info("customer created", "customer_id", cust.ID, "phone", phone)
	}

	sub, err := s.subs.FindByIdentity(serviceType, identity)
	if err != nil {
		sub = &subscription.Subscription{
			CustomerID:  cust.ID,
			PlanID:      targetPlan.ID,
			ServiceType: serviceType,
			Status:      subscription.StatusPending,
		}
		sub.SetIdentity(identity)
		if err := s.subs.Create(sub); err != nil {
			return nil, internal.NewInternalError("create subscription", err)
		}
		s.logger.Info("subscription created",
			"subscription_id", sub.ID,
			"service_type", serviceType,
			"identity", identity)
	}

	pctx := &PurchaseContext{
		Customer:     cust,
		Subscription: sub,
		TargetPlan:   targetPlan,
	}
	if sub.IsActiveNow(s.now()) {
		currentPlan, err := s.plans.GetByID(sub.PlanID)
		if err != nil {
			return nil, internal.NewInternalError("load current plan", err)
		}
		pctx.CurrentPlan = currentPlan
	}
	return pctx, nil
}

// QuoteCharge picks the charge mode for a purchase. Zero amount means the
// change is scheduled instead of charged; the caller must not raise a
// payment for it.
func (s *Service) QuoteCharge(pctx *PurchaseContext) Quote {
	target := pctx.TargetPlan
	current := pctx.CurrentPlan

	if current == nil {
		return Quote{Mode: paymentmodel.ModeRenewal, Amount: target.PriceKES}
	}
	if current.ID == target.ID {
		return Quote{Mode: paymentmodel.ModeRenewExtend, Amount: target.PriceKES}
	}
	if pctx.Subscription.ServiceType == subscription.ServiceHotspot {
		// Metered plans never prorate. Buying a different package while
		// active charges its full price and stacks the time on top.
		return Quote{Mode: paymentmodel.ModeRenewExtend, Amount: target.PriceKES}
	}
	if target.PriceKES > current.PriceKES {
		now := s.now()
		remaining := pctx.Subscription.ExpiresAt.Sub(now)
		amount := ProratedCharge(current.PriceKES, target.PriceKES, remaining, current.Duration())
		return Quote{Mode: paymentmodel.ModeUpgradeProrated, Amount: amount}
	}
	// Cheaper or equal-priced plan: no charge now, applied at next renewal.
	return Quote{Amount: 0}
}

// ScheduleDowngrade writes the target plan into the pending slot. The active
// plan and expiry stay untouched until the next renewal applies it.
func (s *Service) ScheduleDowngrade(ctx context.Context, subscriptionID, targetPlanID int64) error {
	err := s.subs.UpdateWithLock(subscriptionID, func(sub *subscription.Subscription) error {
		sub.PendingPlanID = &targetPlanID
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("downgrade scheduled",
		"subscription_id", subscriptionID,
		"pending_plan_id", targetPlanID)
	return nil
}

// ApplyPayment is the single entitlement mutation path for a successful
// payment. It is idempotent per payment: re-invocations (sweeper retries,
// duplicate finalizations) redo only the device step.
func (s *Service) ApplyPayment(ctx context.Context, p *paymentmodel.Payment) error {
	if p.SubscriptionID == nil {
		return internal.NewInternalError("payment has no subscription", nil)
	}

	var (
		applied     *subscription.Subscription
		appliedPlan *plan.Plan
	)

	err := s.subs.UpdateWithLock(*p.SubscriptionID, func(sub *subscription.Subscription) error {
		if sub.LastPaymentID != nil && *sub.LastPaymentID == p.ID {
			// Extension already applied; only the device step is redone.
			applied = sub
			pl, err := s.plans.GetByID(sub.PlanID)
			if err != nil {
				return internal.NewInternalError("load plan", err)
			}
			appliedPlan = pl
			return nil
		}

		chargedPlanID := p.Intent.ChargedPlanID()
		if chargedPlanID == 0 {
			chargedPlanID = sub.PlanID
		}

		// A scheduled downgrade replaces the charged plan at renewal time.
		if p.Intent.Mode != paymentmodel.ModeUpgradeProrated && sub.PendingPlanID != nil {
			chargedPlanID = *sub.PendingPlanID
			sub.PendingPlanID = nil
		}

		pl, err := s.plans.GetByID(chargedPlanID)
		if err != nil {
			return internal.NewInternalError("load plan", err)
		}

		paidAt := s.now()
		if p.PaidAt != nil {
			paidAt = *p.PaidAt
		}

		if sub.Identity() == "" && sub.ServiceType == subscription.ServiceHotspot {
			// Backfill for rows created before identity separation.
			sub.SetIdentity(p.Phone)
		}
		if sub.Identity() == "" {
			return internal.ErrMissingIdentity
		}

		if p.Intent.Mode == paymentmodel.ModeUpgradeProrated {
			// Upgrades swap the plan immediately; paid time is untouched.
			sub.PlanID = pl.ID
		} else {
			wasActive := sub.IsActiveNow(paidAt)
			expiry := ExtendFrom(sub.ExpiresAt, paidAt, pl.Duration())
			sub.PlanID = pl.ID
			sub.ExpiresAt = &expiry
			if !wasActive {
				sub.StartsAt = &paidAt
			}
		}

		sub.Status = subscription.StatusActive
		sub.LastPaymentID = &p.ID
		applied = sub
		appliedPlan = pl
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("entitlement applied",
		"subscription_id", applied.ID,
		"payment_id", p.ID,
		"mode", p.Intent.Mode,
		"plan_id", appliedPlan.ID,
		"expires_at", applied.ExpiresAt)

	if res := s.grantAccess(ctx, applied, appliedPlan); res.Err != nil {
		// The store is committed; the caller records the failure so the
		// sweeper retries the device side without re-billing.
		return internal.NewExternalError("router enforcement failed", internal.ErrCodeRouterUnreachable, res.Err)
	}

	if s.eventBus != nil && applied.ExpiresAt != nil {
		s.eventBus.Publish(ctx, events.NewEntitlementActivatedEvent(
			applied.ID, applied.ServiceType, applied.Identity(), *applied.ExpiresAt))
	}
	return nil
}

func (s *Service) grantAccess(ctx context.Context, sub *subscription.Subscription, pl *plan.Plan) network.Result {
	identity := sub.Identity()
	password := identity
	if sub.ServiceType == subscription.ServicePPPoE {
		cust, err := s.customers.GetByID(sub.CustomerID)
		if err != nil {
			return network.Failure(fmt.Errorf("load customer %d: %w", sub.CustomerID, err))
		}
		if cust.PPPoEPassword != nil {
			password = *cust.PPPoEPassword
		}
	}
	return s.enforcer.Grant(ctx, sub.ServiceType, identity, pl.RouterProfile, password)
}

// Provision activates an entitlement without a payment. The at-most-one-
// active constraint still applies; racing provisions surface ErrAlreadyActive.
func (s *Service) Provision(ctx context.Context, req *ProvisionRequest) (*SubscriptionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	pctx, err := s.ResolvePurchase(ctx, req.Phone, req.ServiceType, req.Identity, req.PlanCode)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.subs.UpdateWithLock(pctx.Subscription.ID, func(sub *subscription.Subscription) error {
		expiry := ExtendFrom(sub.ExpiresAt, now, pctx.TargetPlan.Duration())
		if !sub.IsActiveNow(now) {
			sub.StartsAt = &now
		}
		sub.PlanID = pctx.TargetPlan.ID
		sub.ExpiresAt = &expiry
		sub.Status = subscription.StatusActive
		return nil
	})
	if err != nil {
		return nil, err
	}

	sub, err := s.subs.GetByID(pctx.Subscription.ID)
	if err != nil {
		return nil, internal.NewInternalError("reload subscription", err)
	}

	if res := s.grantAccess(ctx, sub, pctx.TargetPlan); res.Err != nil {
		s.logger.Error("provisioning device step failed, store kept",
			"subscription_id", sub.ID,
			"error", res.Err)
	}

	sub.Plan = pctx.TargetPlan
	return NewSubscriptionResponse(sub), nil
}

// GetByIdentity serves the admin lookup. Read-only, store only.
func (s *Service) GetByIdentity(serviceType, identity string) (*SubscriptionResponse, error) {
	sub, err := s.subs.FindByIdentity(strings.ToLower(strings.TrimSpace(serviceType)), identity)
	if err != nil {
		return nil, internal.ErrSubscriptionNotFound
	}
	if sub.Plan == nil {
		if pl, err := s.plans.GetByID(sub.PlanID); err == nil {
			sub.Plan = pl
		}
	}
	return NewSubscriptionResponse(sub), nil
}

// RecomputeExpiry replays every non-voided successful payment of the
// subscription through the extension arithmetic, in paid order. Used after a
// manual payment void so the expiry reflects only payments that still stand.
func (s *Service) RecomputeExpiry(ctx context.Context, subscriptionID int64) (*SubscriptionResponse, error) {
	history, err := s.payments.ListAppliedBySubscription(subscriptionID)
	if err != nil {
		return nil, internal.NewInternalError("load payment history", err)
	}

	err = s.subs.UpdateWithLock(subscriptionID, func(sub *subscription.Subscription) error {
		var expiry *time.Time
		var startsAt *time.Time

		for _, p := range history {
			if p.Intent.Mode == paymentmodel.ModeUpgradeProrated {
				continue
			}
			pl, err := s.plans.GetByID(p.Intent.ChargedPlanID())
			if err != nil {
				return internal.NewInternalError("load plan from history", err)
			}
			paidAt := p.CreatedAt
			if p.PaidAt != nil {
				paidAt = *p.PaidAt
			}
			next := ExtendFrom(expiry, paidAt, pl.Duration())
			expiry = &next
			if startsAt == nil {
				startsAt = &paidAt
			}
		}

		now := s.now()
		sub.ExpiresAt = expiry
		sub.StartsAt = startsAt
		switch {
		case expiry == nil:
			sub.Status = subscription.StatusExpired
		case expiry.After(now):
			sub.Status = subscription.StatusActive
		default:
			sub.Status = subscription.StatusExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sub, err := s.subs.GetByID(subscriptionID)
	if err != nil {
		return nil, internal.NewInternalError("reload subscription", err)
	}

	if sub.Status != subscription.StatusActive {
		if res := s.enforcer.Revoke(ctx, sub.ServiceType, sub.Identity()); res.Err != nil {
			s.logger.Error("revoke after recompute failed, store kept",
				"subscription_id", sub.ID,
				"error", res.Err)
		}
	}

	s.logger.Info("expiry recomputed",
		"subscription_id", sub.ID,
		"status", sub.Status,
		"expires_at", sub.ExpiresAt,
		"payments_replayed", len(history))

	if pl, err := s.plans.GetByID(sub.PlanID); err == nil {
		sub.Plan = pl
	}
	return NewSubscriptionResponse(sub), nil
}
