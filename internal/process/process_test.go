package process

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mkdesu/cables/internal/lifecycle"
	"github.com/mkdesu/cables/internal/observability"
)

func TestRunSpawnsWithinLimit(t *testing.T) {
	lc := lifecycle.New(zap.NewNop(), true)
	s := New(2, 10*time.Millisecond, lc, observability.NewMetrics(), zap.NewNop())

	ok := s.Run(context.Background(), []string{"/bin/sh", "-c", "exit 0"})
	if !ok {
		t.Fatal("Run should succeed when under the concurrency limit")
	}

	started, _ := s.Counts()
	if started != 1 {
		t.Errorf("started = %d, want 1", started)
	}
}

func TestRunRefusesAfterStop(t *testing.T) {
	lc := lifecycle.New(zap.NewNop(), true)
	s := New(2, 10*time.Millisecond, lc, observability.NewMetrics(), zap.NewNop())
	lc.RequestStop()

	ok := s.Run(context.Background(), []string{"/bin/sh", "-c", "exit 0"})
	if ok {
		t.Fatal("Run should refuse to spawn once stop is requested")
	}
}

func TestLiveDecreasesAfterReap(t *testing.T) {
	lc := lifecycle.New(zap.NewNop(), true)
	s := New(1, 10*time.Millisecond, lc, observability.NewMetrics(), zap.NewNop())

	if !s.Run(context.Background(), []string{"/bin/sh", "-c", "exit 0"}) {
		t.Fatal("first Run should succeed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Live() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Live() != 0 {
		t.Fatalf("Live() = %d, want 0 after child exits", s.Live())
	}
}
