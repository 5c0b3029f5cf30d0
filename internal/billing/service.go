package billing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmpolin/connect-billing/internal"
	paymentmodel "github.com/dmpolin/connect-billing/internal/core/datamodel/payment"
	"github.com/dmpolin/connect-billing/internal/core/events"
	"github.com/dmpolin/connect-billing/internal/entitlement"
	"github.com/dmpolin/connect-billing/internal/gateway"
)

// Repository is the persistence contract for payment records. FinalizeWithLock
// loads the row by checkout id FOR UPDATE, runs fn, and saves in the same
// transaction; it serializes duplicate webhook deliveries and poller races.
type Repository interface {
	Create(p *paymentmodel.Payment) error
	GetByID(id int64) (*paymentmodel.Payment, error)
	GetByCheckoutID(checkoutID string) (*paymentmodel.Payment, error)
	Update(p *paymentmodel.Payment) error
	FinalizeWithLock(checkoutID string, fn func(p *paymentmodel.Payment) error) error
	UpdateWithLock(id int64, fn func(p *paymentmodel.Payment) error) error
	ListStuckPending(pendingSince time.Time, maxAttempts, limit int) ([]*paymentmodel.Payment, error)
	ListActivationRetries(maxAttempts, limit int, paidBefore time.Time) ([]*paymentmodel.Payment, error)
	ListAppliedBySubscription(subscriptionID int64) ([]*paymentmodel.Payment, error)
}

// EntitlementAPI is the entitlement-side collaborator. Billing never mutates
// subscriptions directly.
type EntitlementAPI interface {
	ResolvePurchase(ctx context.Context, phone, serviceType, identity, planCode string) (*entitlement.PurchaseContext, error)
	QuoteCharge(pctx *entitlement.PurchaseContext) entitlement.Quote
	ScheduleDowngrade(ctx context.Context, subscriptionID, targetPlanID int64) error
	ApplyPayment(ctx context.Context, p *paymentmodel.Payment) error
	RecomputeExpiry(ctx context.Context, subscriptionID int64) (*entitlement.SubscriptionResponse, error)
}

// GatewayAPI is the outbound payment gateway surface.
type GatewayAPI interface {
	STKPush(ctx context.Context, req gateway.PushRequest) (*gateway.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*gateway.QueryResponse, error)
}

// Service owns the payment lifecycle: initiation, finalization and voiding.
// Status transitions happen only here and always under the row lock taken by
// the repository.
type Service struct {
	repo         Repository
	entitlements EntitlementAPI
	gateway      GatewayAPI
	eventBus     *events.EventBus
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(repo Repository, entitlements EntitlementAPI, gw GatewayAPI, eventBus *events.EventBus, logger *slog.Logger) *Service {
	return &Service{
		repo:         repo,
		entitlements: entitlements,
		gateway:      gw,
		eventBus:     eventBus,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock swaps the time source for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// InitiatePayment resolves the purchase, quotes the charge and either pushes
// an STK prompt or, for a zero-amount plan change, schedules the downgrade
// without creating any payment at all.
func (s *Service) InitiatePayment(ctx context.Context, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	serviceType := strings.ToLower(strings.TrimSpace(req.ServiceType))

	pctx, err := s.entitlements.ResolvePurchase(ctx, phone, serviceType, strings.TrimSpace(req.Identity), req.PlanCode)
	if err != nil {
		return nil, err
	}

	quote := s.entitlements.QuoteCharge(pctx)
	if quote.Amount <= 0 {
		if err := s.entitlements.ScheduleDowngrade(ctx, pctx.Subscription.ID, pctx.TargetPlan.ID); err != nil {
			return nil, err
		}
		return &InitiatePaymentResponse{
			Mode:            "downgrade_scheduled",
			Amount:          0,
			Scheduled:       true,
			CustomerMessage: "plan change scheduled for your next renewal",
		}, nil
	}

	intent := paymentmodel.Intent{Mode: quote.Mode, PlanID: pctx.Subscription.PlanID}
	switch quote.Mode {
	case paymentmodel.ModeUpgradeProrated:
		intent.TargetPlanID = pctx.TargetPlan.ID
	default:
		intent.PlanID = pctx.TargetPlan.ID
	}

	p := &paymentmodel.Payment{
		CustomerID:     &pctx.Customer.ID,
		SubscriptionID: &pctx.Subscription.ID,
		Phone:          phone,
		Amount:         decimal.NewFromInt(quote.Amount),
		Status:         paymentmodel.StatusPending,
		Intent:         intent,
	}
	if err := s.repo.Create(p); err != nil {
		return nil, internal.NewInternalError("create payment record", err)
	}

	push, err := s.gateway.STKPush(ctx, gateway.PushRequest{
		Phone:      phone,
		Amount:     quote.Amount,
		AccountRef: pctx.Subscription.Identity(),
	})
	if err != nil {
		s.markInitiationFailed(p, err.Error())
		return nil, err
	}
	if !push.Accepted() {
		s.markInitiationFailed(p, push.ResponseDesc)
		return nil, internal.NewExternalError("gateway rejected the payment request",
			internal.ErrCodeGatewayRejected, nil).WithDetails(push.ResponseDesc)
	}

	p.CheckoutRequestID = &push.CheckoutRequestID
	p.MerchantRequestID = &push.MerchantRequestID
	if err := s.repo.Update(p); err != nil {
		return nil, internal.NewInternalError("stamp gateway correlation ids", err)
	}

	s.logger.Info("payment initiated",
		"payment_id", p.ID,
		"checkout_request_id", push.CheckoutRequestID,
		"mode", quote.Mode,
		"amount", quote.Amount,
		"phone", phone)

	return &InitiatePaymentResponse{
		PaymentID:         p.ID,
		CheckoutRequestID: push.CheckoutRequestID,
		Mode:              quote.Mode,
		Amount:            quote.Amount,
		CustomerMessage:   push.CustomerMessage,
	}, nil
}

// markInitiationFailed finalizes a payment whose push never reached the
// gateway. No webhook will ever arrive for it.
func (s *Service) markInitiationFailed(p *paymentmodel.Payment, reason string) {
	if !paymentmodel.CanTransition(p.Status, paymentmodel.StatusFailed) {
		return
	}
	p.Status = paymentmodel.StatusFailed
	p.ResultDesc = &reason
	if err := s.repo.Update(p); err != nil {
		s.logger.Error("failed to mark initiation failure", "payment_id", p.ID, "error", err)
	}
}

func (s *Service) GetPayment(id int64) (*PaymentResponse, error) {
	p, err := s.repo.GetByID(id)
	if err != nil {
		return nil, internal.ErrPaymentNotFound
	}
	return NewPaymentResponse(p), nil
}

// VoidPayment marks a terminal-success payment as voided and recomputes the
// subscription expiry from the payments that still stand. Used by the admin
// layer to undo a mistaken manual entry.
func (s *Service) VoidPayment(ctx context.Context, id int64) (*PaymentResponse, error) {
	var subscriptionID *int64

	err := s.repo.UpdateWithLock(id, func(p *paymentmodel.Payment) error {
		if p.IsVoided() {
			return nil
		}
		if !p.IsFinalSuccess() {
			return internal.NewConflictError("only successful payments can be voided", internal.ErrCodeInvalidTransition)
		}
		now := s.now()
		p.VoidedAt = &now
		subscriptionID = p.SubscriptionID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if subscriptionID != nil {
		if _, err := s.entitlements.RecomputeExpiry(ctx, *subscriptionID); err != nil {
			s.logger.Error("expiry recompute after void failed",
				"payment_id", id,
				"subscription_id", *subscriptionID,
				"error", err)
			return nil, err
		}
	}

	p, err := s.repo.GetByID(id)
	if err != nil {
		return nil, internal.ErrPaymentNotFound
	}

	s.logger.Info("payment voided", "payment_id", id)
	return NewPaymentResponse(p), nil
}
