// Package watcher implements the queue directory watch/dispatch loop:
// exponential-backoff watch registration, an event-drain loop, and a
// periodic jittered rescan that alternates between QUEUE and RQUEUE so
// that a locally self-sent message can't starve the other queue. Child
// process reaping is handled by internal/process's goroutine-per-child
// accounting rather than a SIGCHLD handler.
package watcher

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mkdesu/cables/internal/config"
	"github.com/mkdesu/cables/internal/observability"
	"github.com/mkdesu/cables/internal/process"
	"github.com/mkdesu/cables/internal/validate"
)

// QueueType distinguishes the two queue roots.
type QueueType int

const (
	Queue QueueType = iota
	RQueue
)

func (q QueueType) String() string {
	if q == Queue {
		return "queue"
	}
	return "rqueue"
}

// Watcher drives the watch-registration/event-drain/rescan loop.
type Watcher struct {
	queuePath  string
	rqueuePath string
	loopPath   string

	tuning config.Tuning
	sup    *process.Supervisor
	log    *zap.Logger
	metrics *observability.Metrics

	noWatch bool // CABLE_NOWATCH: skip registration, rescan-only polling

	nextRescan QueueType // alternation state, carried across generations
}

// New creates a Watcher. loopPath is CABLE_HOME/loop.
func New(queuePath, rqueuePath, loopPath string, tuning config.Tuning, sup *process.Supervisor, metrics *observability.Metrics, log *zap.Logger, noWatch bool) *Watcher {
	return &Watcher{
		queuePath:  queuePath,
		rqueuePath: rqueuePath,
		loopPath:   loopPath,
		tuning:     tuning,
		sup:        sup,
		log:        log,
		metrics:    metrics,
		noWatch:    noWatch,
	}
}

// stopper is the subset of lifecycle.State this package depends on.
type stopper interface {
	StopRequested() bool
}

// Run blocks until ctx is cancelled or lc reports a stop request. Each
// iteration of the outer loop is one registration "generation": register
// watches (with exponential backoff on failure), drain events and
// rescan periodically until re-registration is forced, then repeat.
func (w *Watcher) Run(ctx context.Context, lc stopper) {
	for !lc.StopRequested() {
		if ctx.Err() != nil {
			return
		}

		if w.noWatch {
			// Polling-only mode: skip fsnotify registration entirely and
			// just run rescan generations on the configured cadence.
			w.runPollOnlyGeneration(ctx, lc)
			continue
		}

		fsw, err := w.registerWithBackoff(ctx, lc)
		if err != nil {
			return // stop requested while backing off
		}
		if fsw == nil {
			return
		}

		w.runGeneration(ctx, lc, fsw)
		fsw.Close()
	}
}

// registerWithBackoff retries watch registration with exponential
// backoff (init, ×mult, capped at max) until it succeeds or a stop is
// requested, in which case it returns (nil, err).
func (w *Watcher) registerWithBackoff(ctx context.Context, lc stopper) (*fsnotify.Watcher, error) {
	backoff := w.tuning.WatchBackoffInit

	for !lc.StopRequested() {
		fsw, err := w.tryRegister()
		if err == nil {
			w.metrics.WatcherRegistrationsTotal.WithLabelValues("ok").Inc()
			return fsw, nil
		}
		w.metrics.WatcherRegistrationsTotal.WithLabelValues("fail").Inc()
		w.log.Warn("watch registration failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * w.tuning.WatchBackoffMult)
		if backoff > w.tuning.WatchBackoffMax {
			backoff = w.tuning.WatchBackoffMax
		}
	}
	return nil, errStopRequested
}

var errStopRequested = &stopError{}

type stopError struct{}

func (*stopError) Error() string { return "stop requested" }

func (w *Watcher) tryRegister() (*fsnotify.Watcher, error) {
	if st, err := os.Stat(w.queuePath); err != nil || !st.IsDir() {
		if err == nil {
			err = errNotADirectory(w.queuePath)
		}
		return nil, err
	}
	if st, err := os.Stat(w.rqueuePath); err != nil || !st.IsDir() {
		if err == nil {
			err = errNotADirectory(w.rqueuePath)
		}
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(w.queuePath); err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(w.rqueuePath); err != nil {
		fsw.Close()
		return nil, err
	}
	return fsw, nil
}

type notADirectoryError string

func (e notADirectoryError) Error() string { return string(e) + ": not a directory" }

func errNotADirectory(path string) error { return notADirectoryError(path) }

// runGeneration drains events and performs periodic rescans until a
// re-registration is forced (by a watcher-level error, or by a
// generation observing zero events — the fuse-backed-filesystem
// mitigation) or a stop is requested.
func (w *Watcher) runGeneration(ctx context.Context, lc stopper, fsw *fsnotify.Watcher) {
	lastclock := time.Now()
	retryTimeout := jitter(w.tuning.RetryTimeout)
	eventsSeen := false

	for !lc.StopRequested() {
		remaining := retryTimeout - time.Since(lastclock)
		if remaining < 0 {
			remaining = 0
		}

		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if w.isSelfEvent(ev) {
				return
			}
			if w.handleEvent(ev) {
				eventsSeen = true
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error, re-registering", zap.Error(err))
			return

		case <-time.After(remaining):
			// fall through to the periodic-rescan check below

		case <-ctx.Done():
			return
		}

		if lc.StopRequested() {
			return
		}
		if time.Since(lastclock) >= retryTimeout {
			w.rescanOnce()
			lastclock = time.Now()
			retryTimeout = jitter(w.tuning.RetryTimeout)
			if !eventsSeen {
				return
			}
			eventsSeen = false
		}
	}
}

// runPollOnlyGeneration supports CABLE_NOWATCH: no fsnotify watch is
// registered, so the only way work is discovered is the periodic
// alternating rescan.
func (w *Watcher) runPollOnlyGeneration(ctx context.Context, lc stopper) {
	timeout := jitter(w.tuning.RetryTimeout)
	select {
	case <-time.After(timeout):
	case <-ctx.Done():
		return
	}
	if lc.StopRequested() {
		return
	}
	w.rescanOnce()
}

// isSelfEvent reports whether ev targets one of the two watched
// directories themselves (as opposed to an entry within them) being
// removed, renamed, or otherwise invalidated — the Go-idiomatic analog
// of IN_IGNORED | IN_UNMOUNT | IN_Q_OVERFLOW | IN_MOVE_SELF, which force
// re-registration.
func (w *Watcher) isSelfEvent(ev fsnotify.Event) bool {
	if ev.Name != w.queuePath && ev.Name != w.rqueuePath {
		return false
	}
	return ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0
}

// handleEvent dispatches a loop invocation for qualifying events:
// creation (fsnotify.Create covers inotify's IN_MOVED_TO too) or an
// attribute touch (fsnotify.Chmod, covering IN_ATTRIB) on a name that
// passes IsMessageDirName and is in fact a directory. Returns true if
// the event was recognized as belonging to a watched queue (used to
// drive the "no events this generation" re-registration rule).
func (w *Watcher) handleEvent(ev fsnotify.Event) bool {
	dir := filepath.Dir(ev.Name)
	var qtype QueueType
	switch dir {
	case w.queuePath:
		qtype = Queue
	case w.rqueuePath:
		qtype = RQueue
	default:
		return false
	}

	if ev.Op&(fsnotify.Create|fsnotify.Chmod) == 0 {
		return true
	}

	name := filepath.Base(ev.Name)
	if name == "" || !validate.IsMessageDirName(name) {
		return true
	}

	st, err := os.Stat(ev.Name)
	if err != nil || !st.IsDir() {
		return true
	}

	w.metrics.WatcherEventsTotal.WithLabelValues(qtype.String()).Inc()
	w.dispatch(qtype, name)
	return true
}

// rescanOnce performs one full directory rescan of the currently
// selected queue (alternating QUEUE/RQUEUE on each call), dispatching a
// loop invocation for every valid message directory entry.
func (w *Watcher) rescanOnce() {
	qtype := w.nextRescan
	w.nextRescan = 1 - w.nextRescan

	path := w.queuePath
	if qtype == RQueue {
		path = w.rqueuePath
	}

	w.metrics.WatcherRescansTotal.WithLabelValues(qtype.String()).Inc()

	entries, err := os.ReadDir(path)
	if err != nil {
		w.log.Warn("rescan readdir failed", zap.String("path", path), zap.Error(err))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !validate.IsMessageDirName(entry.Name()) {
			continue
		}
		w.dispatch(qtype, entry.Name())
	}
}

func (w *Watcher) dispatch(qtype QueueType, name string) {
	w.sup.Run(context.Background(), []string{w.loopPath, qtype.String(), name})
}

// jitter returns base × (1 + uniform(-0.5, 0.5)), decorrelating rescans
// across daemon instances sharing the same queues.
func jitter(base time.Duration) time.Duration {
	shift := rand.Float64() - 0.5 // uniform(-0.5, 0.5)
	return time.Duration(float64(base) * (1 + shift))
}
