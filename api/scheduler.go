/*
scheduler.go - Background jobs: hold sweeper, payment poller, reconciliation

PURPOSE:
  Runs the periodic work that keeps the engine converging without client
  traffic: expiring stale holds and tickets, settling payments whose
  callback never arrived, and comparing internal state with the provider.

DESIGN:
  - One goroutine and one ticker per job
  - Each job runs immediately on start, then every Interval
  - A run of a job never overlaps with itself
  - Every job is idempotent, so running several servers is safe

JOBS (see Jobs):
  sweep       Sweeper.Sweep
  payments    Checkout.SettleStale + Checkout.RecoverSucceeded
  reconcile   Reconciler.Run(now - lookback)

USAGE:
  scheduler := NewScheduler(Jobs(...)...)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - boxoffice/sweeper.go: Expiry
  - boxoffice/checkout.go: Settlement of stale payments
  - boxoffice/reconcile.go: Flags
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/box-office/boxoffice"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs until stopped.
type Scheduler struct {
	Jobs    []Job
	Timeout time.Duration // per run; zero means the job's interval

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  map[string]*sync.Mutex
}

func NewScheduler(jobs ...Job) *Scheduler {
	runMu := make(map[string]*sync.Mutex, len(jobs))
	for _, j := range jobs {
		runMu[j.Name] = &sync.Mutex{}
	}
	return &Scheduler{Jobs: jobs, runMu: runMu}
}

// Start begins all jobs. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, j := range s.Jobs {
		if j.Interval <= 0 {
			zap.L().Warn("Scheduler job disabled", zap.String("job", j.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(j)
		zap.L().Info("Scheduler job started", zap.String("job", j.Name), zap.Duration("interval", j.Interval))
	}
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	zap.L().Info("Scheduler stopped")
}

func (s *Scheduler) loop(j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.execute(s.ctx, j)

	for {
		select {
		case <-ticker.C:
			s.execute(s.ctx, j)
		case <-s.ctx.Done():
			return
		}
	}
}

// RunNow runs the named job once in the caller's goroutine. It reports
// false for an unknown job.
func (s *Scheduler) RunNow(ctx context.Context, name string) bool {
	for _, j := range s.Jobs {
		if j.Name == name {
			s.execute(ctx, j)
			return true
		}
	}
	return false
}

func (s *Scheduler) execute(ctx context.Context, j Job) {
	mu := s.runMu[j.Name]
	if mu == nil {
		mu = &sync.Mutex{}
	}
	if !mu.TryLock() {
		zap.L().Debug("Scheduler job still running, skipped", zap.String("job", j.Name))
		return
	}
	defer mu.Unlock()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		zap.L().Error("Scheduler job failed",
			zap.String("job", j.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	zap.L().Debug("Scheduler job completed",
		zap.String("job", j.Name),
		zap.Duration("duration", time.Since(start)))
}

// =============================================================================
// JOBS
// =============================================================================

// JobConfig holds the intervals and windows of the standard jobs.
type JobConfig struct {
	SweepInterval     time.Duration
	PollInterval      time.Duration
	PollAge           time.Duration
	PollBatch         int
	ReconcileInterval time.Duration
	ReconcileLookback time.Duration
	Clock             boxoffice.Clock
}

// Jobs builds the sweep, payments and reconcile jobs.
func Jobs(cfg JobConfig, sweeper *boxoffice.Sweeper, checkout *boxoffice.Checkout, reconciler *boxoffice.Reconciler) []Job {
	clock := cfg.Clock
	if clock == nil {
		clock = boxoffice.SystemClock{}
	}
	var jobs []Job

	if sweeper != nil {
		jobs = append(jobs, Job{
			Name:     "sweep",
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				res, err := sweeper.Sweep(ctx)
				if res.Reservations > 0 || res.Tickets > 0 {
					zap.L().Info("Sweep completed",
						zap.Int("reservations_expired", res.Reservations),
						zap.Int("tickets_expired", res.Tickets))
				}
				return err
			},
		})
	}

	if checkout != nil {
		jobs = append(jobs, Job{
			Name:     "payments",
			Interval: cfg.PollInterval,
			Run: func(ctx context.Context) error {
				settled, err := checkout.SettleStale(ctx, cfg.PollAge, cfg.PollBatch)
				if err != nil {
					return err
				}
				// Look back over a few poll windows for completions a crash interrupted.
				recovered, err := checkout.RecoverSucceeded(ctx, clock.Now().Add(-4*(cfg.PollAge+cfg.PollInterval)))
				if settled > 0 || recovered > 0 {
					zap.L().Info("Payment poll completed",
						zap.Int("settled", settled),
						zap.Int("recovered", recovered))
				}
				return err
			},
		})
	}

	if reconciler != nil {
		jobs = append(jobs, Job{
			Name:     "reconcile",
			Interval: cfg.ReconcileInterval,
			Run: func(ctx context.Context) error {
				_, err := reconciler.Run(ctx, clock.Now().Add(-cfg.ReconcileLookback))
				return err
			},
		})
	}
	return jobs
}
