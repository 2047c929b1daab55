package reconcile

import (
	"context"
	"time"

	"havoc/internal/logging"

	"go.uber.org/zap"
)

// Cycle runs one reconciliation cycle
type Cycle interface {
	RunOnce(ctx context.Context) ExitCode
}

// Scheduler runs cycles back to back, never overlapping
type Scheduler struct {
	cycle    Cycle
	interval time.Duration
	triggers <-chan struct{}

	// OnCycle is called after every cycle
	OnCycle func(code ExitCode)
}

// NewScheduler creates a Scheduler. triggers may be nil.
func NewScheduler(cycle Cycle, interval time.Duration, triggers <-chan struct{}) *Scheduler {
	return &Scheduler{cycle: cycle, interval: interval, triggers: triggers}
}

// NewTriggers returns a trigger channel that holds at most one pending run
func NewTriggers() chan struct{} {
	return make(chan struct{}, 1)
}

// Run starts a cycle immediately, then one after every interval or trigger,
// until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Logger().Info("Scheduler stopped")
			return
		case <-timer.C:
		case <-s.triggers:
			logging.Logger().Info("Cycle triggered by template change")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		code := s.cycle.RunOnce(ctx)
		if s.OnCycle != nil {
			s.OnCycle(code)
		}

		if ctx.Err() != nil {
			continue
		}
		logging.Logger().Debug("Waiting for next cycle", zap.Duration("interval", s.interval))
		timer.Reset(s.interval)
	}
}
