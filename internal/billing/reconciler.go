package billing

import (
	"context"
	"log/slog"
	"time"

	paymentmodel "github.com/dmpolin/connect-billing/internal/core/datamodel/payment"
)

// ReconcilerConfig bounds the poller: candidates younger than GracePeriod
// are left alone, older than HardCutoff are timed out without another
// gateway query, and each candidate is queried at most MaxAttempts times.
type ReconcilerConfig struct {
	GracePeriod time.Duration
	HardCutoff  time.Duration
	MaxAttempts int
	BatchLimit  int
}

// Reconciler drives stuck pending payments to a terminal state when the
// webhook never arrived. It is the correctness backstop, not the primary
// path; an inconclusive query still bumps the attempt counter so the
// candidate set shrinks monotonically.
type Reconciler struct {
	repo    Repository
	gateway GatewayAPI
	svc     *Service
	cfg     ReconcilerConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewReconciler(repo Repository, gw GatewayAPI, svc *Service, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &Reconciler{
		repo:    repo,
		gateway: gw,
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock swaps the time source for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	r.svc.WithClock(now)
	return r
}

// Run executes one reconciliation pass. A single bad payment never aborts
// the batch; each candidate is handled independently.
func (r *Reconciler) Run(ctx context.Context) error {
	now := r.now()
	cutoff := now.Add(-r.cfg.GracePeriod)

	candidates, err := r.repo.ListStuckPending(cutoff, r.cfg.MaxAttempts, r.cfg.BatchLimit)
	if err != nil {
		r.logger.Error("reconciler: listing stuck payments failed", "error", err)
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	r.logger.Info("reconciler pass started", "candidates", len(candidates))

	for _, p := range candidates {
		if err := r.reconcileOne(ctx, p, now); err != nil {
			r.logger.Error("reconciler: payment skipped",
				"payment_id", p.ID,
				"error", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, p *paymentmodel.Payment, now time.Time) error {
	if p.CheckoutRequestID == nil {
		// Never accepted by the gateway; nothing to query. Age it out.
		if now.Sub(p.CreatedAt) >= r.cfg.HardCutoff {
			return r.timeOut(p)
		}
		return nil
	}
	checkoutID := *p.CheckoutRequestID

	// Past the hard cutoff the gateway is not asked again; the payment is
	// concluded as timeout, a status distinct from failed for audit.
	if now.Sub(p.CreatedAt) >= r.cfg.HardCutoff {
		r.logger.Info("payment past hard cutoff, timing out",
			"payment_id", p.ID,
			"checkout_request_id", checkoutID,
			"age", now.Sub(p.CreatedAt).String())
		return r.svc.MarkTimeout(ctx, checkoutID)
	}

	// The attempt counter moves regardless of the query outcome.
	if err := r.touchAttempt(p.ID); err != nil {
		return err
	}

	resp, err := r.gateway.QueryStatus(ctx, checkoutID)
	if err != nil {
		// Gateway unreachable: stay pending for the next pass.
		r.logger.Warn("status query failed, payment left pending",
			"payment_id", p.ID,
			"checkout_request_id", checkoutID,
			"error", err)
		return nil
	}

	if resp.ResultCode == nil {
		r.logger.Info("status query inconclusive",
			"payment_id", p.ID,
			"checkout_request_id", checkoutID,
			"desc", resp.ResultDesc)
		return nil
	}

	return r.svc.ProcessOutcome(ctx, checkoutID, Outcome{
		ResultCode: *resp.ResultCode,
		ResultDesc: resp.ResultDesc,
		Raw:        resp.Raw,
		Reconciled: true,
	})
}

func (r *Reconciler) touchAttempt(paymentID int64) error {
	return r.repo.UpdateWithLock(paymentID, func(p *paymentmodel.Payment) error {
		now := r.now()
		p.ReconcileAttempts++
		p.LastReconcileAt = &now
		return nil
	})
}

func (r *Reconciler) timeOut(p *paymentmodel.Payment) error {
	return r.repo.UpdateWithLock(p.ID, func(p *paymentmodel.Payment) error {
		if !paymentmodel.CanTransition(p.Status, paymentmodel.StatusTimeout) {
			return nil
		}
		now := r.now()
		p.Status = paymentmodel.StatusTimeout
		p.ReconcileAttempts++
		p.LastReconcileAt = &now
		return nil
	})
}
