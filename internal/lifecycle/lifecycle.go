// Package lifecycle owns the process-wide stop flag and signal wiring
// that used to live in two C-level volatiles. Everything that needs to
// observe or request shutdown goes through this module; no other package
// touches signal.Notify for INT/TERM.
package lifecycle

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// State tracks shutdown requests for one daemon instance.
type State struct {
	stop     atomic.Bool
	testMode bool // suppresses process-group SIGTERM propagation, as CABLE_NOLOOP/test builds do
	log      *zap.Logger
}

// New creates lifecycle state. testMode: when set, a stop request does
// not signal the process group, so test harnesses don't tear down their
// own test runner's group.
func New(log *zap.Logger, testMode bool) *State {
	return &State{testMode: testMode, log: log}
}

// StopRequested reports whether shutdown has been requested. Checked
// before every blocking wait, every child spawn, and between watcher
// event-buffer entries so shutdown latency stays bounded.
func (s *State) StopRequested() bool {
	return s.stop.Load()
}

// RequestStop sets the stop flag and, unless in test mode, sends SIGTERM
// to the process group so that any running loop children also begin
// shutting down. The already-set flag prevents recursion if this is
// called again from a second signal delivery.
func (s *State) RequestStop() {
	if !s.stop.CompareAndSwap(false, true) {
		return
	}
	if !s.testMode {
		if err := syscall.Kill(0, syscall.SIGTERM); err != nil {
			s.log.Warn("signal process group", zap.Error(err))
		}
	}
}

// InstallSignals registers INT/TERM handlers that call RequestStop, and
// ignores SIGPIPE process-wide (writes to a peer that has closed its
// connection must surface as a write error, not terminate the daemon).
// It returns a channel that is closed once a stop has been requested,
// for callers that want to select on shutdown.
func (s *State) InstallSignals() <-chan struct{} {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for range sigCh {
			s.RequestStop()
			close(done)
			return
		}
	}()
	return done
}
