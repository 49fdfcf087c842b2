// Package observability — metrics.go
//
// Prometheus metrics for the cable daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9090 (configurable via
// Tuning.MetricsAddr).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: cabled_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for cabled.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Process supervisor ────────────────────────────────────────────────

	// ProcessStartedTotal counts loop helper invocations launched.
	ProcessStartedTotal prometheus.Counter

	// ProcessFinishedTotal counts loop helper invocations reaped.
	ProcessFinishedTotal prometheus.Counter

	// ProcessLive is the current number of live loop children.
	ProcessLive prometheus.Gauge

	// ─── Watcher ────────────────────────────────────────────────────────────

	// WatcherEventsTotal counts filesystem events that dispatched a loop
	// invocation, by queue type.
	WatcherEventsTotal *prometheus.CounterVec

	// WatcherRescansTotal counts periodic full rescans, by queue type.
	WatcherRescansTotal *prometheus.CounterVec

	// WatcherRegistrationsTotal counts (re-)registration attempts, by outcome.
	WatcherRegistrationsTotal *prometheus.CounterVec

	// ─── Dispatcher ─────────────────────────────────────────────────────────

	// DispatchRequestsTotal counts control requests, by resulting status.
	DispatchRequestsTotal *prometheus.CounterVec

	// ─── Message state machine ──────────────────────────────────────────────

	// LockContendedTotal counts non-blocking lock acquisitions that found
	// the message directory busy.
	LockContendedTotal prometheus.Counter

	// ─── Daemon ─────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all cabled Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ProcessStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cabled",
			Subsystem: "process",
			Name:      "started_total",
			Help:      "Total loop helper processes launched.",
		}),

		ProcessFinishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cabled",
			Subsystem: "process",
			Name:      "finished_total",
			Help:      "Total loop helper processes reaped.",
		}),

		ProcessLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cabled",
			Subsystem: "process",
			Name:      "live",
			Help:      "Current number of live loop helper processes.",
		}),

		WatcherEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cabled",
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Total filesystem watch events that dispatched a loop invocation, by queue type.",
		}, []string{"queue"}),

		WatcherRescansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cabled",
			Subsystem: "watcher",
			Name:      "rescans_total",
			Help:      "Total periodic full directory rescans, by queue type.",
		}, []string{"queue"}),

		WatcherRegistrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cabled",
			Subsystem: "watcher",
			Name:      "registrations_total",
			Help:      "Total watch (re-)registration attempts, by outcome.",
		}, []string{"outcome"}),

		DispatchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cabled",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total control requests handled, by resulting status.",
		}, []string{"status"}),

		LockContendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cabled",
			Subsystem: "queue",
			Name:      "lock_contended_total",
			Help:      "Total non-blocking lock attempts that found a message directory busy.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cabled",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.ProcessStartedTotal,
		m.ProcessFinishedTotal,
		m.ProcessLive,
		m.WatcherEventsTotal,
		m.WatcherRescansTotal,
		m.WatcherRegistrationsTotal,
		m.DispatchRequestsTotal,
		m.LockContendedTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
