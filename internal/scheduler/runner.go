package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dmpolin/connect-billing/internal"
)

// Clock abstracts time for the periodic jobs so grace periods and cutoffs
// are testable without sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func RealClock() Clock { return realClock{} }

// Job is one periodic task. Errors are logged and swallowed; a failing tick
// never stops the schedule.
type Job func(ctx context.Context) error

type registration struct {
	name     string
	interval time.Duration
	job      Job
}

// Runner owns the periodic jobs of the process: explicit construction,
// documented start/stop, no ambient global state. Each job runs on its own
// ticker goroutine; ticks of the same job never overlap.
type Runner struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs []registration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

func (r *Runner) Register(name string, interval time.Duration, job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, registration{name: name, interval: interval, job: job})
}

// Start launches every registered job. Each fires once immediately so a
// restart does not wait a full interval to catch up on drift.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.mu.Lock()
	jobs := make([]registration, len(r.jobs))
	copy(jobs, r.jobs)
	r.mu.Unlock()

	for _, reg := range jobs {
		r.wg.Add(1)
		go r.loop(ctx, reg)
	}

	r.logger.Info("scheduler started", "jobs", len(jobs))
}

// Stop cancels all jobs and waits for in-flight ticks to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}

func (r *Runner) loop(ctx context.Context, reg registration) {
	defer r.wg.Done()

	ticker := time.NewTicker(reg.interval)
	defer ticker.Stop()

	r.tick(ctx, reg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, reg)
		}
	}
}

// tick runs one job invocation under a panic guard; a single bad batch item
// or a panicking job must never take the scheduler down. Each tick gets a
// deadline of one interval so a stalled router or gateway call cannot pile
// ticks up behind it.
func (r *Runner) tick(ctx context.Context, reg registration) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("scheduled job panicked",
				"job", reg.name,
				"panic", rec)
		}
	}()

	ctx, cancel := internal.WithTimeout(ctx, reg.interval)
	defer cancel()

	start := time.Now()
	if err := reg.job(ctx); err != nil {
		r.logger.Error("scheduled job failed",
			"job", reg.name,
			"duration", time.Since(start).String(),
			"error", err)
		return
	}
	r.logger.Debug("scheduled job finished",
		"job", reg.name,
		"duration", time.Since(start).String())
}
