// Package httpd is the HTTP server front: username-prefix routing,
// static per-message artifact serving, and the /request/... control
// surface backed by internal/dispatch. A semaphore bounds concurrent
// in-flight requests to a configured thread count.
package httpd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/mkdesu/cables/internal/dispatch"
	"github.com/mkdesu/cables/internal/validate"
)

const (
	usernameFile = "username"
	keySuffix    = ".key"

	respOK  = dispatch.Version + "\n"
	respErr = dispatch.Version + ": ERROR\n"

	// maxHeaderBytes is a fixed, generous cap on request header size; it
	// is unrelated to connection concurrency, which maxConns governs via
	// netutil.LimitListener in ListenAndServe.
	maxHeaderBytes = 1 << 16
)

// Server is the HTTP front end.
type Server struct {
	username   string
	certsPath  string
	queuePath  string
	rqueuePath string

	dispatcher *dispatch.Dispatcher
	log        *zap.Logger

	sem      chan struct{}
	maxConns int
	srv      *http.Server
}

// ReadUsername reads CABLE_CERTS/username: exactly one line, validated
// as a 32-char base-32 local identity.
func ReadUsername(certsPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(certsPath, usernameFile))
	if err != nil {
		return "", fmt.Errorf("reading username: %w", err)
	}
	s := string(data)
	if strings.Count(s, "\n") != 1 || !strings.HasSuffix(s, "\n") {
		return "", fmt.Errorf("username file must contain exactly one line")
	}
	s = strings.TrimSuffix(s, "\n")
	if !validate.IsBase32(validate.UsernameLength, s) {
		return "", fmt.Errorf("username file content is not a valid base-32 username")
	}
	return s, nil
}

// New constructs a Server bound to host:port. certsPath must contain a
// "username" file readable via ReadUsername.
func New(host, port, certsPath, queuePath, rqueuePath string, d *dispatch.Dispatcher, maxThreads, maxConns int, log *zap.Logger) (*Server, error) {
	username, err := ReadUsername(certsPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		username:   username,
		certsPath:  certsPath,
		queuePath:  queuePath,
		rqueuePath: rqueuePath,
		dispatcher: d,
		log:        log,
		sem:        make(chan struct{}, maxThreads),
		maxConns:   maxConns,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	s.srv = &http.Server{
		Addr:           net.JoinHostPort(host, port),
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: maxHeaderBytes,
	}
	return s, nil
}

// ListenAndServe binds and serves until ctx is cancelled. Concurrent
// accepted connections are capped at maxConns (the analog of
// MHD_OPTION_CONNECTION_LIMIT), enforced at the listener via
// netutil.LimitListener rather than a server-side thread pool.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	ln = netutil.LimitListener(ln, s.maxConns)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	prefix := "/" + s.username + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case rest == "certs/ca.pem":
		s.serveFile(w, r, filepath.Join(s.certsPath, "ca.pem"))
	case rest == "certs/verify.pem":
		s.serveFile(w, r, filepath.Join(s.certsPath, "verify.pem"))

	case strings.HasPrefix(rest, "queue/"):
		s.serveQueueFile(w, r, strings.TrimPrefix(rest, "queue/"))

	case strings.HasPrefix(rest, "rqueue/"):
		s.serveRQueueFile(w, r, strings.TrimPrefix(rest, "rqueue/"))

	case strings.HasPrefix(rest, "request/"):
		s.serveRequest(w, strings.TrimPrefix(rest, "request/"))

	default:
		w.WriteHeader(http.StatusForbidden)
	}
}

func (s *Server) serveQueueFile(w http.ResponseWriter, r *http.Request, suffix string) {
	if validate.IsHex(validate.MsgIDLength, suffix) {
		s.serveFile(w, r, filepath.Join(s.queuePath, suffix, "message.enc"))
		return
	}
	if msgid, ok := strings.CutSuffix(suffix, keySuffix); ok && validate.IsHex(validate.MsgIDLength, msgid) {
		s.serveFile(w, r, filepath.Join(s.queuePath, msgid, "speer.sig"))
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

func (s *Server) serveRQueueFile(w http.ResponseWriter, r *http.Request, suffix string) {
	if msgid, ok := strings.CutSuffix(suffix, keySuffix); ok && validate.IsHex(validate.MsgIDLength, msgid) {
		s.serveFile(w, r, filepath.Join(s.rqueuePath, msgid, "rpeer.sig"))
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	http.ServeContent(w, r, filepath.Base(path), st.ModTime(), f)
}

func (s *Server) serveRequest(w http.ResponseWriter, request string) {
	status := s.dispatcher.Dispatch(request)

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-cache")

	switch status {
	case dispatch.OK:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(respOK))
	case dispatch.Err:
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(respErr))
	default: // dispatch.BadFmt
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(respErr))
	}
}
