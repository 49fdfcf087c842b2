// Package dispatch tokenizes and validates control-request strings and
// routes them into the message state machine (internal/queue). It is
// the only package that opens queue root directories per-request.
package dispatch

import (
	"strings"

	"go.uber.org/zap"

	"github.com/mkdesu/cables/internal/fsutil"
	"github.com/mkdesu/cables/internal/observability"
	"github.com/mkdesu/cables/internal/queue"
	"github.com/mkdesu/cables/internal/validate"
)

// Status is the tri-valued outcome of a control request.
type Status int

const (
	// BadFmt means the request string itself failed validation.
	BadFmt Status = iota
	// Err means the request was well-formed but processing failed (queue
	// root unopenable, handler-level soft error).
	Err
	// OK means the request was accepted (including idempotent no-ops).
	OK
)

// maxRequestLength rejects oversized requests before any tokenizing work.
const maxRequestLength = 256

// Version is the protocol version string, used both for the ver command
// reply and as the fixed OK/ERR response bodies served over HTTP.
const Version = "LIBERTE CABLE 3.0"

// Dispatcher routes validated requests into QUEUE/RQUEUE directories.
type Dispatcher struct {
	queuePath  string
	rqueuePath string
	log        *zap.Logger
	metrics    *observability.Metrics
}

// New creates a Dispatcher. queuePath and rqueuePath are the absolute
// paths to CABLE_QUEUES/queue and CABLE_QUEUES/rqueue respectively.
func New(queuePath, rqueuePath string, metrics *observability.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{queuePath: queuePath, rqueuePath: rqueuePath, log: log, metrics: metrics}
}

// Dispatch parses and executes a control request (the path suffix after
// "request/" in the HTTP surface, e.g. "msg/<msgid>/<host>/<user>").
func (d *Dispatcher) Dispatch(request string) Status {
	status := d.dispatch(request)
	d.metrics.DispatchRequestsTotal.WithLabelValues(statusLabel(status)).Inc()
	return status
}

func (d *Dispatcher) dispatch(request string) Status {
	tokens, ok := tokenize(request)
	if !ok {
		return BadFmt
	}

	switch tokens[0] {
	case "ver":
		if len(tokens) != 1 {
			return BadFmt
		}
		return OK

	case "msg":
		if len(tokens) != 4 {
			return BadFmt
		}
		msgid, hostname, username := tokens[1], tokens[2], tokens[3]
		if !validate.IsHex(validate.MsgIDLength, msgid) ||
			!validate.IsHost(hostname) ||
			!validate.IsBase32(validate.UsernameLength, username) {
			return BadFmt
		}
		return d.withRoot(d.rqueuePath, func(root *fsutil.Dir) Status {
			return fromResult(queue.Msg(root, d.metrics, d.log, msgid, hostname, username))
		})

	case "snd":
		msgid, mac, ok := msgidMac(tokens)
		if !ok {
			return BadFmt
		}
		return d.withRoot(d.rqueuePath, func(root *fsutil.Dir) Status {
			return fromResult(queue.Snd(root, d.metrics, d.log, msgid, mac))
		})

	case "rcp":
		msgid, mac, ok := msgidMac(tokens)
		if !ok {
			return BadFmt
		}
		return d.withRoot(d.queuePath, func(root *fsutil.Dir) Status {
			return fromResult(queue.Rcp(root, d.metrics, d.log, msgid, mac))
		})

	case "ack":
		msgid, mac, ok := msgidMac(tokens)
		if !ok {
			return BadFmt
		}
		return d.withRoot(d.rqueuePath, func(root *fsutil.Dir) Status {
			return fromResult(queue.Ack(root, d.metrics, d.log, msgid, mac))
		})

	default:
		return BadFmt
	}
}

func statusLabel(s Status) string {
	switch s {
	case OK:
		return "ok"
	case Err:
		return "err"
	default:
		return "badfmt"
	}
}

func msgidMac(tokens []string) (msgid, mac string, ok bool) {
	if len(tokens) != 3 {
		return "", "", false
	}
	msgid, mac = tokens[1], tokens[2]
	if !validate.IsHex(validate.MsgIDLength, msgid) || !validate.IsHex(validate.MACLength, mac) {
		return "", "", false
	}
	return msgid, mac, true
}

func (d *Dispatcher) withRoot(path string, fn func(*fsutil.Dir) Status) Status {
	root, err := fsutil.Open(path)
	if err != nil {
		d.log.Warn("open queue root failed", zap.String("path", path), zap.Error(err))
		return Err
	}
	defer root.Close()
	return fn(root)
}

func fromResult(r queue.Result) Status {
	if r == queue.OK {
		return OK
	}
	return Err
}

// tokenize splits a request string into 1-4 tokens on "/", rejecting
// empty or oversized input, embedded "//", and leading/trailing "/".
func tokenize(request string) ([]string, bool) {
	if len(request) == 0 || len(request) >= maxRequestLength {
		return nil, false
	}
	if strings.Contains(request, "//") {
		return nil, false
	}
	if strings.HasPrefix(request, "/") || strings.HasSuffix(request, "/") {
		return nil, false
	}

	tokens := strings.Split(request, "/")
	if len(tokens) < 1 || len(tokens) > 4 {
		return nil, false
	}
	return tokens, true
}
