// Package process implements the bounded-concurrency supervisor that
// spawns the loop helper. Live children are tracked with a
// started/finished counter pair for the Live/backpressure contract;
// Go's os/exec already reaps children through wait4 inside Cmd.Wait, so
// reaping is one goroutine per child that calls Wait and then signals a
// buffered wake channel, rather than a SIGCHLD handler.
package process

import (
	"context"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mkdesu/cables/internal/lifecycle"
	"github.com/mkdesu/cables/internal/observability"
)

// Supervisor bounds how many loop helpers may run concurrently.
type Supervisor struct {
	maxConcurrent int
	waitBackoff   time.Duration
	lc            *lifecycle.State
	log           *zap.Logger
	metrics       *observability.Metrics

	started  atomic.Int64
	finished atomic.Int64
	wake     chan struct{}
}

// New creates a Supervisor that allows at most maxConcurrent live
// children, sleeping waitBackoff between capacity checks when full.
func New(maxConcurrent int, waitBackoff time.Duration, lc *lifecycle.State, metrics *observability.Metrics, log *zap.Logger) *Supervisor {
	return &Supervisor{
		maxConcurrent: maxConcurrent,
		waitBackoff:   waitBackoff,
		lc:            lc,
		log:           log,
		metrics:       metrics,
		wake:          make(chan struct{}, 1),
	}
}

// Live returns the current number of children started but not yet reaped.
func (s *Supervisor) Live() int64 {
	return s.started.Load() - s.finished.Load()
}

// Counts returns the raw started/finished counters, for metrics export.
func (s *Supervisor) Counts() (started, finished int64) {
	return s.started.Load(), s.finished.Load()
}

// Run spawns argv[0] with argv as its arguments once a concurrency slot
// is available. It blocks while the live count is at or above the
// configured maximum; each wait ends when a child finishes (wake), after
// waitBackoff, or when ctx is cancelled. The stop flag is checked before
// each wait, not during it. Returns false without spawning if stop was
// requested or ctx was cancelled while waiting, or if exec itself fails.
func (s *Supervisor) Run(ctx context.Context, argv []string) bool {
	for !s.lc.StopRequested() {
		if s.Live() < int64(s.maxConcurrent) {
			break
		}
		s.log.Warn("too many loop processes live, backing off",
			zap.Int64("live", s.Live()), zap.Int("max", s.maxConcurrent))

		select {
		case <-s.wake:
		case <-time.After(s.waitBackoff):
		case <-ctx.Done():
			return false
		}
	}
	if s.lc.StopRequested() {
		return false
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		s.log.Warn("exec loop failed", zap.String("argv0", argv[0]), zap.Error(err))
		return false
	}
	s.started.Add(1)
	s.metrics.ProcessStartedTotal.Inc()
	s.metrics.ProcessLive.Set(float64(s.Live()))

	go func() {
		_ = cmd.Wait()
		s.finished.Add(1)
		s.metrics.ProcessFinishedTotal.Inc()
		s.metrics.ProcessLive.Set(float64(s.Live()))
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}()

	return true
}
