package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmpolin/connect-billing/internal"
	paymentmodel "github.com/dmpolin/connect-billing/internal/core/datamodel/payment"
	"github.com/dmpolin/connect-billing/internal/core/events"
	"github.com/dmpolin/connect-billing/internal/gateway"
)

// Outcome is one gateway verdict for a payment, whether it arrived by
// webhook or by direct status query.
type Outcome struct {
	ResultCode int
	ResultDesc string
	Receipt    string
	PaidAt     *time.Time
	Raw        json.RawMessage

	// Amount and Phone are the gateway-confirmed values from the callback
	// metadata. They overwrite the initiated values on success, since the
	// confirmed ones are what actually moved.
	Amount *decimal.Decimal
	Phone  string

	// Reconciled marks verdicts obtained by the poller; a success then
	// lands as "reconciled" instead of "success" for audit accuracy. The
	// billing effect is identical and applied at most once either way.
	Reconciled bool
}

// ProcessOutcome is the single finalization path for payment verdicts. The
// row lock serializes concurrent deliveries; a payment already in terminal
// success is acknowledged and discarded. On success the payment commits
// first, then the entitlement side runs; an entitlement or device failure
// leaves the payment successful but flagged for the activation sweeper.
func (s *Service) ProcessOutcome(ctx context.Context, checkoutID string, out Outcome) error {
	var (
		finalized *paymentmodel.Payment
		activate  bool
	)

	err := s.repo.FinalizeWithLock(checkoutID, func(p *paymentmodel.Payment) error {
		// Raw payloads are kept for audit no matter what happens next.
		if out.Raw != nil {
			p.RawCallback = out.Raw
		}
		now := s.now()
		p.ExternalUpdatedAt = &now

		if p.IsFinalSuccess() || p.IsVoided() {
			return nil
		}
		if p.Status != paymentmodel.StatusPending {
			// Already concluded as failed/cancelled/timeout; late verdicts
			// are recorded in the raw payload only.
			return nil
		}

		target := paymentmodel.StatusFailed
		switch {
		case out.ResultCode == gateway.ResultCodeSuccess:
			target = paymentmodel.StatusSuccess
			if out.Reconciled {
				target = paymentmodel.StatusReconciled
			}
		case out.ResultCode == gateway.ResultCodeCancelled:
			target = paymentmodel.StatusCancelled
		}

		if !paymentmodel.CanTransition(p.Status, target) {
			return paymentmodel.ErrInvalidTransition
		}

		code := out.ResultCode
		desc := out.ResultDesc
		p.Status = target
		p.ResultCode = &code
		p.ResultDesc = &desc

		if target == paymentmodel.StatusSuccess || target == paymentmodel.StatusReconciled {
			if out.Receipt != "" {
				receipt := out.Receipt
				p.Receipt = &receipt
			}
			if out.Amount != nil {
				p.Amount = *out.Amount
			}
			if out.Phone != "" {
				p.Phone = out.Phone
			}
			paidAt := now
			if out.PaidAt != nil {
				paidAt = *out.PaidAt
			}
			p.PaidAt = &paidAt
			activate = true
		}

		finalized = p
		return nil
	})
	if err != nil {
		if errors.Is(err, internal.ErrPaymentNotFound) {
			// Unmatched correlation id: nothing to reconcile, log and move on.
			s.logger.Warn("verdict for unknown checkout id discarded", "checkout_request_id", checkoutID)
			return nil
		}
		return err
	}
	if finalized == nil {
		// Idempotent no-op; the row was already terminal.
		return nil
	}

	if !activate {
		s.logger.Info("payment concluded without billing effect",
			"payment_id", finalized.ID,
			"checkout_request_id", checkoutID,
			"status", finalized.Status,
			"result_code", out.ResultCode)
		if s.eventBus != nil {
			s.eventBus.Publish(ctx, events.NewPaymentFailedEvent(
				finalized.ID, checkoutID, finalized.Status, out.ResultDesc))
		}
		return nil
	}

	s.logger.Info("payment finalized",
		"payment_id", finalized.ID,
		"checkout_request_id", checkoutID,
		"status", finalized.Status,
		"receipt", out.Receipt)

	if err := s.entitlements.ApplyPayment(ctx, finalized); err != nil {
		// The money is in; only the local side failed. Flag for the
		// sweeper and acknowledge upstream anyway.
		s.recordActivationFailure(ctx, finalized.ID, err)
		return nil
	}
	s.stampActivation(finalized.ID)

	if s.eventBus != nil {
		subID := int64(0)
		if finalized.SubscriptionID != nil {
			subID = *finalized.SubscriptionID
		}
		s.eventBus.Publish(ctx, events.NewPaymentFinalizedEvent(
			finalized.ID, subID, checkoutID, out.Receipt, finalized.Amount.String()))
	}
	return nil
}

// recordActivationFailure moves a successful payment into the retryable
// activation_failed state, capturing the error and bumping the counter.
func (s *Service) recordActivationFailure(ctx context.Context, paymentID int64, cause error) {
	var attempts int
	err := s.repo.UpdateWithLock(paymentID, func(p *paymentmodel.Payment) error {
		if !paymentmodel.CanTransition(p.Status, paymentmodel.StatusActivationFailed) {
			return nil
		}
		now := s.now()
		msg := cause.Error()
		p.Status = paymentmodel.StatusActivationFailed
		p.ActivationAttempts++
		p.LastActivationAt = &now
		p.ActivationError = &msg
		attempts = p.ActivationAttempts
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record activation failure",
			"payment_id", paymentID, "error", err)
		return
	}

	s.logger.Error("entitlement activation failed, queued for retry",
		"payment_id", paymentID,
		"attempts", attempts,
		"error", cause)

	if s.eventBus != nil {
		s.eventBus.Publish(ctx, events.NewActivationFailedEvent(paymentID, attempts, cause.Error()))
	}
}

// stampActivation records when the entitlement effect of a payment ran, so
// the sweeper can tell a finished success from one orphaned by a crash.
func (s *Service) stampActivation(paymentID int64) {
	err := s.repo.UpdateWithLock(paymentID, func(p *paymentmodel.Payment) error {
		now := s.now()
		p.LastActivationAt = &now
		return nil
	})
	if err != nil {
		s.logger.Error("failed to stamp activation", "payment_id", paymentID, "error", err)
	}
}

// RetryActivation re-runs the entitlement step for an activation_failed
// payment, or for a successful payment whose entitlement step never ran.
// Money is never touched; only the local side is replayed.
func (s *Service) RetryActivation(ctx context.Context, paymentID int64) error {
	p, err := s.repo.GetByID(paymentID)
	if err != nil {
		return internal.ErrPaymentNotFound
	}
	orphaned := p.IsFinalSuccess() && p.LastActivationAt == nil
	if p.Status != paymentmodel.StatusActivationFailed && !orphaned {
		return nil
	}

	if err := s.entitlements.ApplyPayment(ctx, p); err != nil {
		bumpErr := s.repo.UpdateWithLock(paymentID, func(p *paymentmodel.Payment) error {
			now := s.now()
			msg := err.Error()
			if paymentmodel.CanTransition(p.Status, paymentmodel.StatusActivationFailed) {
				p.Status = paymentmodel.StatusActivationFailed
			}
			p.ActivationAttempts++
			p.LastActivationAt = &now
			p.ActivationError = &msg
			return nil
		})
		if bumpErr != nil {
			s.logger.Error("failed to bump activation attempts", "payment_id", paymentID, "error", bumpErr)
		}
		return err
	}

	return s.repo.UpdateWithLock(paymentID, func(p *paymentmodel.Payment) error {
		if paymentmodel.CanTransition(p.Status, paymentmodel.StatusSuccess) {
			p.Status = paymentmodel.StatusSuccess
		}
		now := s.now()
		p.LastActivationAt = &now
		p.ActivationError = nil
		return nil
	})
}

// MarkTimeout handles the gateway's queue-timeout notice: if the payment is
// still pending it becomes timeout, with reconciliation counters bumped so
// the poller's candidate set shrinks.
func (s *Service) MarkTimeout(ctx context.Context, checkoutID string) error {
	err := s.repo.FinalizeWithLock(checkoutID, func(p *paymentmodel.Payment) error {
		if p.Status != paymentmodel.StatusPending {
			return nil
		}
		now := s.now()
		p.Status = paymentmodel.StatusTimeout
		p.ReconcileAttempts++
		p.LastReconcileAt = &now
		return nil
	})
	if errors.Is(err, internal.ErrPaymentNotFound) {
		s.logger.Warn("timeout notice for unknown checkout id discarded", "checkout_request_id", checkoutID)
		return nil
	}
	return err
}
