// Command taskhub starts one TaskHub component: the HTTP API, a Worker,
// the cron Scheduler, or the lease Reaper. Each is its own process so a
// single host can run any number of Workers alongside one API, one
// Scheduler, and one Reaper.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskhub/internal/config"
	"taskhub/internal/httpapi"
	"taskhub/internal/idgen"
	"taskhub/internal/reaper"
	"taskhub/internal/scheduler"
	"taskhub/internal/store"
	"taskhub/internal/taskregistry"
	"taskhub/internal/worker"
	"taskhub/pkg/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	component := os.Args[1]

	cfg := config.Load()
	log := logging.Default(component)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.WithError(err).Error("taskhub.data_dir.failed")
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.WithError(err).Error("taskhub.store_open.failed")
		os.Exit(1)
	}
	defer st.Close()

	registry := taskregistry.New()
	registry.LoadBuiltins()

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("taskhub.shutdown_signal")
		cancel()
	}()

	switch component {
	case "api":
		runAPI(ctx, cfg, st, registry, log)
	case "worker":
		runWorker(ctx, cfg, st, registry, log)
	case "scheduler":
		runScheduler(ctx, cfg, st, registry, log)
	case "reaper":
		runReaper(ctx, cfg, st, log)
	default:
		usage()
		os.Exit(2)
	}

	log.Info("taskhub.stopped", "component", component)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: taskhub <api|worker|scheduler|reaper>")
}

func runAPI(ctx context.Context, cfg *config.Config, st *store.Store, registry *taskregistry.Registry, log *logging.Logger) {
	sch := scheduler.New(st, registry, cfg.SchedulerTick, log.WithContext(ctx))
	srv := httpapi.New(st, registry, sch, cfg.DataDir, log)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // event-tail websockets and artifact downloads run long
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("taskhub.api.listening", "addr", cfg.HTTPAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("taskhub.api.failed")
		os.Exit(1)
	}
}

func runWorker(ctx context.Context, cfg *config.Config, st *store.Store, registry *taskregistry.Registry, log *logging.Logger) {
	hostname, _ := os.Hostname()
	workerID := idgen.WorkerID(hostname, os.Getpid())

	sup := worker.NewSupervisor(st, cfg.DataDir, cfg.SoftGrace, log)
	w := worker.New(workerID, st, registry, sup, cfg.LeaseDuration, cfg.IdlePoll, log)

	w.Run(ctx)
}

func runScheduler(ctx context.Context, cfg *config.Config, st *store.Store, registry *taskregistry.Registry, log *logging.Logger) {
	sch := scheduler.New(st, registry, cfg.SchedulerTick, log)
	sch.Run(ctx)
}

func runReaper(ctx context.Context, cfg *config.Config, st *store.Store, log *logging.Logger) {
	// The reaper's orphans have already outlived their lease; a short TERM
	// window is enough before the group is force-killed.
	r := reaper.New(st, cfg.ReaperInterval, time.Second, 3*cfg.LeaseDuration, log)
	r.Run(ctx)
}
