/*
scheduler.go - Periodic apply-mode audits

PURPOSE:
  Keeps task records and the leaderboard fresh without an operator clicking
  "run audit" every morning. Each tick performs one apply-mode Run.

DESIGN:
  - One background goroutine driven by a ticker
  - Runs once immediately on Start
  - Stop cancels the in-flight run at the next participant boundary and
    waits for the goroutine to exit

USAGE:
  s := NewScheduler(runner, logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - runner.go: the audit itself
  - cmd/server/main.go: starts the scheduler when enabled in config
*/
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Scheduler struct {
	Runner   *Runner
	Interval time.Duration
	Enabled  bool
	Options  Options
	Logger   *zap.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *Report
}

func NewScheduler(runner *Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Runner:   runner,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Options:  Options{DryRun: false},
		Logger:   logger,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("audit scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run(ctx, s.ticker)

	s.Logger.Info("audit scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for any in-flight run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.cancel()
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("audit scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rep := s.Runner.Run(ctx, s.Options)
	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	if !rep.Success {
		s.Logger.Warn("scheduled audit failed", zap.String("run_id", rep.RunID), zap.String("message", rep.Message))
	}
}

// RunNow triggers an immediate run outside the ticker.
func (s *Scheduler) RunNow(ctx context.Context) Report {
	rep := s.Runner.Run(ctx, s.Options)
	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	return rep
}

// LastReport returns the most recent scheduled or manual report, if any.
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}
