// Package reaper periodically reclaims runs whose lease expired without a
// Worker checking in, typically because the Worker process crashed or was
// killed.
package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"time"

	"taskhub/internal/model"
	"taskhub/internal/store"
	"taskhub/pkg/logging"
)

// Reaper sweeps for expired leases and abandons the runs behind them.
type Reaper struct {
	store         *store.Store
	interval      time.Duration
	killGrace     time.Duration
	workerMaxIdle time.Duration
	log           *logging.Logger
}

// New builds a Reaper that sweeps every interval. killGrace is how long it
// waits between SIGTERM and SIGKILL on an orphaned process group;
// workerMaxIdle is how stale a worker's heartbeat may get before its
// registry row is pruned.
func New(st *store.Store, interval, killGrace, workerMaxIdle time.Duration, log *logging.Logger) *Reaper {
	return &Reaper{
		store:         st,
		interval:      interval,
		killGrace:     killGrace,
		workerMaxIdle: workerMaxIdle,
		log:           log,
	}
}

// Run sweeps every interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("reaper.started", "interval", r.interval)
	defer r.log.Info("reaper.stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	expired, err := r.store.ReapExpired(ctx, now)
	if err != nil {
		r.log.WithError(err).Error("reaper.reap_expired.failed")
	} else {
		for _, run := range expired {
			r.reapOne(ctx, run)
		}
	}

	if r.workerMaxIdle > 0 {
		n, err := r.store.PruneStaleWorkers(ctx, r.workerMaxIdle)
		if err != nil {
			r.log.WithError(err).Error("reaper.prune_stale_workers.failed")
		} else if n > 0 {
			r.log.Info("reaper.pruned_workers", "count", n)
		}
	}
}

// reapOne kills whatever is left of run's process group, then abandons the
// run record. Killing happens first: once AbandonRun succeeds another
// Worker may claim the run's task slot again, so any still-running child
// from the old attempt must already be on its way down.
func (r *Reaper) reapOne(ctx context.Context, run store.ReapedRun) {
	log := r.log.WithRunID(run.RunID)

	if run.PGID != nil {
		r.killProcessGroup(log, *run.PGID)
	}

	reason := fmt.Sprintf("lease_expired: reaped by reaper, original_owner=%s", run.LeaseOwner)
	if err := r.store.AbandonRun(ctx, run.RunID, reason); err != nil {
		// A run that renewed its lease between ReapExpired and here is not
		// an error; it just means another sweep will pick it up if it really
		// is stuck.
		log.WithError(err).Warn("reaper.abandon_run.skipped")
		return
	}

	if _, err := r.store.AppendEvent(ctx, run.RunID, model.EventTypeSystem, systemEventPayload(reason)); err != nil {
		log.WithError(err).Warn("reaper.append_event.failed")
	}
	log.Info("reaper.abandoned", "pgid_signaled", run.PGID != nil)
}

// killProcessGroup signals pgid if it's still alive, waits killGrace for a
// graceful exit, then force-kills. Errors from syscall.Kill are expected
// and ignored when the group is already gone (ESRCH).
func (r *Reaper) killProcessGroup(log *logging.Logger, pgid int) {
	if !groupAlive(pgid) {
		return
	}

	log.Warn("reaper.sigterm", "pgid", pgid)
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	deadline := time.Now().Add(r.killGrace)
	for time.Now().Before(deadline) {
		if !groupAlive(pgid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	if groupAlive(pgid) {
		log.Warn("reaper.sigkill", "pgid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// groupAlive reports whether any process in pgid's group still exists,
// using the signal-0 liveness convention.
func groupAlive(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}

func systemEventPayload(reason string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"action": "reaped", "reason": reason})
	return b
}
