// Command cabled is the Liberte Cable server-side daemon: it serves the
// HTTP control/static-file surface and, unless CABLE_NOLOOP is set, runs
// the queue watcher/dispatcher loop that spawns the loop helper as
// messages advance through their on-disk state machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/mkdesu/cables/internal/config"
	"github.com/mkdesu/cables/internal/dispatch"
	"github.com/mkdesu/cables/internal/httpd"
	"github.com/mkdesu/cables/internal/lifecycle"
	"github.com/mkdesu/cables/internal/observability"
	"github.com/mkdesu/cables/internal/process"
	"github.com/mkdesu/cables/internal/watcher"
)

func main() {
	version := flag.Bool("version", false, "print the protocol version and exit")
	flag.Parse()

	if *version {
		fmt.Println(dispatch.Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := observability.BuildLogger(cfg.Tuning.LogLevel, cfg.Tuning.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	// Files and directories this daemon creates are owner-only regardless
	// of the nominal mode passed to Mkdir/OpenFile.
	syscall.Umask(0o077)

	lc := lifecycle.New(log, cfg.NoLoop)
	stopped := lc.InstallSignals()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopped
		cancel()
	}()

	metrics := observability.NewMetrics()
	if !cfg.NoLoop {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.Tuning.MetricsAddr); err != nil {
				log.Warn("metrics server exited", zap.Error(err))
			}
		}()
	}

	queuePath := filepath.Join(cfg.Queues, "queue")
	rqueuePath := filepath.Join(cfg.Queues, "rqueue")
	loopPath := filepath.Join(cfg.Home, "loop")

	d := dispatch.New(queuePath, rqueuePath, metrics, log)

	srv, err := httpd.New(cfg.Host, cfg.Port, cfg.Certs, queuePath, rqueuePath, d,
		cfg.Tuning.MaxThreads, cfg.Tuning.MaxConns, log)
	if err != nil {
		log.Fatal("initializing http server", zap.Error(err))
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe(ctx)
	}()

	if !cfg.NoLoop {
		sup := process.New(cfg.Tuning.MaxProc, cfg.Tuning.WaitProc, lc, metrics, log)
		w := watcher.New(queuePath, rqueuePath, loopPath, cfg.Tuning, sup, metrics, log, cfg.NoWatch)
		go w.Run(ctx, lc)
	}

	log.Info("cabled started",
		zap.String("host", cfg.Host), zap.String("port", cfg.Port),
		zap.Bool("noloop", cfg.NoLoop), zap.Bool("nowatch", cfg.NoWatch))

	<-ctx.Done()
	log.Info("shutdown requested")

	if err := <-serverErrCh; err != nil {
		log.Warn("http server exited with error", zap.Error(err))
	}
	log.Info("cabled exiting")
}
