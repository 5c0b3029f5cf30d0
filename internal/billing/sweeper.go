package billing

import (
	"context"
	"log/slog"
	"time"
)

// SweeperConfig bounds the activation retry sweep.
type SweeperConfig struct {
	MaxAttempts int
	BatchLimit  int

	// Grace keeps freshly finalized payments out of the sweep so the
	// in-flight activation step is never raced.
	Grace time.Duration
}

// Sweeper retries the local entitlement/device step for payments whose money
// was accepted but whose activation failed or never ran. It closes the crash
// window between "payment committed success" and "entitlement extended".
type Sweeper struct {
	repo   Repository
	svc    *Service
	cfg    SweeperConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(repo Repository, svc *Service, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	return &Sweeper{
		repo:   repo,
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock swaps the time source for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run executes one sweep. Failures bump the attempt counter and wait for the
// next pass; payments past the attempt cap are left for operator review.
func (s *Sweeper) Run(ctx context.Context) error {
	candidates, err := s.repo.ListActivationRetries(s.cfg.MaxAttempts, s.cfg.BatchLimit, s.now().Add(-s.cfg.Grace))
	if err != nil {
		s.logger.Error("sweeper: listing activation retries failed", "error", err)
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	s.logger.Info("activation sweep started", "candidates", len(candidates))

	for _, p := range candidates {
		if err := s.svc.RetryActivation(ctx, p.ID); err != nil {
			s.logger.Warn("activation retry failed",
				"payment_id", p.ID,
				"attempts", p.ActivationAttempts+1,
				"error", err)
			continue
		}
		s.logger.Info("activation retry succeeded", "payment_id", p.ID)
	}
	return nil
}
