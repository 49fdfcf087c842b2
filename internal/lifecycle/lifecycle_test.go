package lifecycle

import (
	"testing"

	"go.uber.org/zap"
)

func TestRequestStopIdempotent(t *testing.T) {
	s := New(zap.NewNop(), true)

	if s.StopRequested() {
		t.Fatal("StopRequested should be false initially")
	}

	s.RequestStop()
	if !s.StopRequested() {
		t.Fatal("StopRequested should be true after RequestStop")
	}

	// second call must not panic or block (recursion guard)
	s.RequestStop()
	if !s.StopRequested() {
		t.Fatal("StopRequested should remain true")
	}
}

func TestTestModeSuppressesSignal(t *testing.T) {
	// In test mode RequestStop must not attempt to signal the process
	// group; if it did, this test process would receive SIGTERM and die.
	s := New(zap.NewNop(), true)
	s.RequestStop()
	if !s.StopRequested() {
		t.Fatal("StopRequested should be true")
	}
}
