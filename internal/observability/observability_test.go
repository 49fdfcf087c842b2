package observability

import "testing"

func TestBuildLoggerValidLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := BuildLogger(level, "json"); err != nil {
			t.Errorf("BuildLogger(%q, json) error: %v", level, err)
		}
	}
}

func TestBuildLoggerRejectsBadLevel(t *testing.T) {
	if _, err := BuildLogger("verbose", "json"); err == nil {
		t.Error("BuildLogger with invalid level should error")
	}
}

func TestBuildLoggerRejectsBadFormat(t *testing.T) {
	if _, err := BuildLogger("info", "xml"); err == nil {
		t.Error("BuildLogger with invalid format should error")
	}
}

func TestNewMetricsRegistersWithoutPanic(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	m.ProcessStartedTotal.Inc()
	m.ProcessLive.Set(3)
	m.DispatchRequestsTotal.WithLabelValues("ok").Inc()
}
