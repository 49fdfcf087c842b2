package httpd

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/mkdesu/cables/internal/dispatch"
	"github.com/mkdesu/cables/internal/observability"
)

const testUsername = "abcdefghijklmnopqrstuvwxyz234567"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	base := t.TempDir()
	certs := filepath.Join(base, "certs")
	qpath := filepath.Join(base, "queue")
	rqpath := filepath.Join(base, "rqueue")
	for _, d := range []string{certs, qpath, rqpath} {
		if err := os.Mkdir(d, 0700); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(certs, "username"), []byte(testUsername+"\n"), 0600); err != nil {
		t.Fatalf("write username: %v", err)
	}
	if err := os.WriteFile(filepath.Join(certs, "ca.pem"), []byte("ca-cert-bytes"), 0600); err != nil {
		t.Fatalf("write ca.pem: %v", err)
	}

	d := dispatch.New(qpath, rqpath, observability.NewMetrics(), zap.NewNop())
	srv, err := New("127.0.0.1", "0", certs, qpath, rqpath, d, 2, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func doGet(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	return rec
}

func TestReadUsernameValid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "username"), []byte(testUsername+"\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadUsername(dir)
	if err != nil {
		t.Fatalf("ReadUsername: %v", err)
	}
	if got != testUsername {
		t.Errorf("ReadUsername = %q, want %q", got, testUsername)
	}
}

func TestServeCACert(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(s, "/"+testUsername+"/certs/ca.pem")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ca-cert-bytes" {
		t.Errorf("body = %q, want ca-cert-bytes", rec.Body.String())
	}
}

func TestWrongUsernamePrefixForbidden(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(s, "/someoneelse/certs/ca.pem")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestMissingFileNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(s, "/"+testUsername+"/certs/verify.pem")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRequestVer(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(s, "/"+testUsername+"/request/ver")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != respOK {
		t.Errorf("body = %q, want %q", rec.Body.String(), respOK)
	}
}

func TestRequestMalformed(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(s, "/"+testUsername+"/request/ver/extra")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Body.String() != respErr {
		t.Errorf("body = %q, want %q", rec.Body.String(), respErr)
	}
}

func TestPostMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/"+testUsername+"/request/ver", nil)
	rec := httptest.NewRecorder()
	s.handle(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestUnknownPathForbidden(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(s, "/"+testUsername+"/nonsense")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestQueueKeySuffixRejectsNonHex(t *testing.T) {
	s := newTestServer(t)
	rec := doGet(s, "/"+testUsername+"/queue/not-hex.key")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}
