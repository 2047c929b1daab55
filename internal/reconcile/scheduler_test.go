package reconcile_test

import (
	"context"
	"sync/atomic"
	"time"

	"havoc/internal/reconcile"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type countingCycle struct {
	runs atomic.Int32
	code reconcile.ExitCode
}

func (c *countingCycle) RunOnce(ctx context.Context) reconcile.ExitCode {
	c.runs.Add(1)
	return c.code
}

var _ = Describe("Scheduler", func() {
	var (
		cycle  *countingCycle
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
	)

	start := func(s *reconcile.Scheduler) {
		done = make(chan struct{})
		go func() {
			defer close(done)
			s.Run(ctx)
		}()
	}

	BeforeEach(func() {
		cycle = &countingCycle{}
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})

	It("should run a cycle immediately", func() {
		start(reconcile.NewScheduler(cycle, time.Hour, nil))
		Eventually(cycle.runs.Load, time.Second).Should(BeEquivalentTo(1))
		Consistently(cycle.runs.Load, 100*time.Millisecond).Should(BeEquivalentTo(1))
	})

	It("should run again after every interval", func() {
		start(reconcile.NewScheduler(cycle, 20*time.Millisecond, nil))
		Eventually(cycle.runs.Load, time.Second).Should(BeNumerically(">=", 3))
	})

	It("should run an extra cycle when triggered", func() {
		triggers := reconcile.NewTriggers()
		start(reconcile.NewScheduler(cycle, time.Hour, triggers))
		Eventually(cycle.runs.Load, time.Second).Should(BeEquivalentTo(1))

		triggers <- struct{}{}
		Eventually(cycle.runs.Load, time.Second).Should(BeEquivalentTo(2))
	})

	It("should report each exit code", func() {
		cycle.code = reconcile.ExitFailure
		codes := make(chan reconcile.ExitCode, 1)
		s := reconcile.NewScheduler(cycle, time.Hour, nil)
		s.OnCycle = func(code reconcile.ExitCode) {
			select {
			case codes <- code:
			default:
			}
		}
		start(s)
		Eventually(codes, time.Second).Should(Receive(Equal(reconcile.ExitFailure)))
	})

	It("should stop when the context is cancelled", func() {
		start(reconcile.NewScheduler(cycle, time.Hour, nil))
		Eventually(cycle.runs.Load, time.Second).Should(BeEquivalentTo(1))

		cancel()
		Eventually(done, time.Second).Should(BeClosed())
	})
})
