// Package queue implements the per-command state machine handlers that
// advance a message directory through its lifecycle: msg, snd, rcp, ack.
// Every handler opens the message directory (or a freshly built .new),
// takes a non-blocking advisory lock, performs its precondition checks
// and mutations, then closes — which releases the lock. Handlers never
// log above info: they are driven directly by untrusted peers, and a
// malformed or adversarial request is an expected event, not an
// operational concern.
package queue

import (
	"os"

	"go.uber.org/zap"

	"github.com/mkdesu/cables/internal/fsutil"
	"github.com/mkdesu/cables/internal/observability"
	"github.com/mkdesu/cables/internal/validate"
)

// Result is the outcome of a state-machine handler.
type Result int

const (
	// OK means the handler completed (including idempotent no-ops).
	OK Result = iota
	// SoftErr means a precondition failed, the directory was busy, or an
	// I/O step failed — never a reason to log above info or to crash.
	SoftErr
)

const (
	delSuffix = ".del"
	newDirExt = ".new"
)

// Msg implements the msg(msgid, hostname, username) handler, invoked
// against RQUEUE. It is idempotent: a pre-existing canonical directory
// is treated as already-applied.
func Msg(root *fsutil.Dir, metrics *observability.Metrics, log *zap.Logger, msgid, hostname, username string) Result {
	if root.Exists(msgid) {
		return OK
	}

	newName := msgid + newDirExt
	if err := root.Mkdir(newName); err != nil {
		log.Info("msg: mkdir .new failed", zap.String("msgid", msgid), zap.Error(err))
		return SoftErr
	}

	return writeNewMsgDir(root, metrics, log, msgid, newName, hostname, username)
}

// writeNewMsgDir fills the locked .new directory and renames it onto the
// canonical name before closing it, so the rename happens under the lock.
func writeNewMsgDir(root *fsutil.Dir, metrics *observability.Metrics, log *zap.Logger, msgid, newName, hostname, username string) Result {
	dir, err := root.OpenDir(newName)
	if err != nil {
		return SoftErr
	}
	defer dir.Close()

	if !tryLock(dir, metrics) {
		return SoftErr
	}

	if err := dir.WriteLine("hostname", hostname); err != nil {
		return SoftErr
	}
	if err := dir.WriteLine("username", username); err != nil {
		return SoftErr
	}
	if err := dir.CreateEmpty("peer.req"); err != nil {
		return SoftErr
	}

	if err := root.Rename(newName, msgid); err != nil {
		log.Info("msg: rename .new to canonical failed", zap.String("msgid", msgid), zap.Error(err))
		return SoftErr
	}
	return OK
}

// Snd implements the snd(msgid, mac) handler, invoked against RQUEUE.
// Precondition: peer.ok present. send.mac is written only if absent —
// a second snd with a different mac is accepted but does not overwrite
// the stored value; this is an intentional, documented tradeoff (see
// DESIGN.md Open Question 1), not an oversight.
func Snd(root *fsutil.Dir, metrics *observability.Metrics, log *zap.Logger, msgid, mac string) Result {
	dir, err := root.OpenDir(msgid)
	if err != nil {
		log.Info("snd: open message dir failed", zap.String("msgid", msgid), zap.Error(err))
		return SoftErr
	}
	defer dir.Close()

	if !tryLock(dir, metrics) {
		return SoftErr
	}

	if !dir.Exists("peer.ok") {
		return SoftErr
	}

	if !dir.Exists("send.mac") {
		if err := dir.WriteLine("send.mac", mac); err != nil {
			return SoftErr
		}
	}

	return linkAndWake(dir, log, "peer.ok", "recv.req")
}

// Rcp implements the rcp(msgid, mac) handler, invoked against QUEUE.
// Precondition: send.ok present and recv.mac equals mac.
func Rcp(root *fsutil.Dir, metrics *observability.Metrics, log *zap.Logger, msgid, mac string) Result {
	dir, err := root.OpenDir(msgid)
	if err != nil {
		log.Info("rcp: open message dir failed", zap.String("msgid", msgid), zap.Error(err))
		return SoftErr
	}
	defer dir.Close()

	if !tryLock(dir, metrics) {
		return SoftErr
	}

	if !dir.Exists("send.ok") {
		return SoftErr
	}

	recvMac, err := dir.ReadLine("recv.mac", validate.MACLength)
	if err != nil || recvMac != mac {
		return SoftErr
	}

	return linkAndWake(dir, log, "send.ok", "ack.req")
}

// Ack implements the ack(msgid, mac) handler, invoked against RQUEUE.
// Precondition: recv.ok present and ack.mac equals mac. On success the
// message directory is tombstoned by renaming it to <msgid>.del;
// physical removal remains the loop helper's responsibility.
func Ack(root *fsutil.Dir, metrics *observability.Metrics, log *zap.Logger, msgid, mac string) Result {
	dir, err := root.OpenDir(msgid)
	if err != nil {
		log.Info("ack: open message dir failed", zap.String("msgid", msgid), zap.Error(err))
		return SoftErr
	}
	defer dir.Close()

	if !tryLock(dir, metrics) {
		return SoftErr
	}

	if !dir.Exists("recv.ok") {
		return SoftErr
	}

	ackMac, err := dir.ReadLine("ack.mac", validate.MACLength)
	if err != nil || ackMac != mac {
		return SoftErr
	}

	if err := root.Rename(msgid, msgid+delSuffix); err != nil {
		log.Info("ack: tombstone rename failed", zap.String("msgid", msgid), zap.Error(err))
		return SoftErr
	}
	return OK
}

// tryLock attempts a non-blocking lock on dir, counting contention (the
// directory already held by another handler) on LockContendedTotal. A
// real I/O error on the lock attempt itself is not contention and is not
// counted.
func tryLock(dir *fsutil.Dir, metrics *observability.Metrics) bool {
	locked, err := dir.TryLock()
	if err == nil && !locked {
		metrics.LockContendedTotal.Inc()
		return false
	}
	return err == nil && locked
}

// linkAndWake creates newname as a hard link of oldname within dir. If
// the link is newly created, it releases dir's lock before touching
// dir's mtime — the unlock-before-touch order matters: the loop child
// spawned by the resulting watcher event takes the same lock, and must
// not find it still held by this handler. An already-existing link is a
// no-op.
func linkAndWake(dir *fsutil.Dir, log *zap.Logger, oldname, newname string) Result {
	err := dir.Link(oldname, newname)
	switch {
	case err == nil:
		if uerr := dir.Unlock(); uerr != nil {
			log.Info("unlock before touch failed", zap.Error(uerr))
			return SoftErr
		}
		if terr := dir.Touch(); terr != nil {
			log.Info("touch failed", zap.Error(terr))
			return SoftErr
		}
		return OK
	case os.IsExist(err):
		return OK
	default:
		log.Info("link failed", zap.String("old", oldname), zap.String("new", newname), zap.Error(err))
		return SoftErr
	}
}
