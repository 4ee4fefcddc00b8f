package worker

import (
	"context"
	"os"
	"time"

	"taskhub/internal/model"
	"taskhub/internal/store"
	"taskhub/internal/taskregistry"
	"taskhub/pkg/logging"
)

// Worker is a long-lived process with a stable id that claims and
// supervises at most one run at a time.
type Worker struct {
	id            string
	store         *store.Store
	registry      *taskregistry.Registry
	supervisor    *Supervisor
	leaseDuration time.Duration
	idlePoll      time.Duration
	log           *logging.Logger
}

// New builds a Worker with a stable worker id derived from hostname+pid+rand.
func New(id string, st *store.Store, reg *taskregistry.Registry, sup *Supervisor, leaseDuration, idlePoll time.Duration, log *logging.Logger) *Worker {
	return &Worker{
		id:            id,
		store:         st,
		registry:      reg,
		supervisor:    sup,
		leaseDuration: leaseDuration,
		idlePoll:      idlePoll,
		log:           log.WithWorkerID(id),
	}
}

// Run drives the Worker's loop until ctx is canceled (graceful SIGTERM
// shutdown), then finalizes any in-flight run
// as CANCELED with error="worker_shutdown".
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker.started")
	defer w.log.Info("worker.stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.heartbeat(ctx, model.WorkerStatusIdle, nil); err != nil {
			w.log.WithError(err).Warn("worker.heartbeat.failed")
		}

		tasks := w.registry.Snapshot()
		run, err := w.store.ClaimNext(ctx, w.id, w.leaseDuration, tasks)
		if err != nil {
			w.log.WithError(err).Error("worker.claim_next.failed")
			if !sleepCtx(ctx, w.idlePoll) {
				return
			}
			continue
		}
		if run == nil {
			if !sleepCtx(ctx, w.idlePoll) {
				return
			}
			continue
		}

		task, ok := tasks[run.TaskID]
		if !ok {
			// The registry changed under us between claim and dispatch.
			// Should not happen since the registry is immutable at runtime,
			// but fail the run rather than panic.
			msg := "unknown task at dispatch time"
			_ = w.store.FinishRun(ctx, run.RunID, w.id, model.RunStatusFailed, nil, &msg)
			continue
		}

		if err := w.heartbeat(ctx, model.WorkerStatusBusy, &run.RunID); err != nil {
			w.log.WithError(err).Warn("worker.heartbeat.failed")
		}

		w.superviseWithHeartbeat(ctx, run, task)
	}
}

// superviseWithHeartbeat runs the Supervisor synchronously while a
// companion timer renews the lease every lease_duration/3.
//
// The Supervisor's own execution context is deliberately independent of
// parent: parent is only the Worker's shutdown signal, and canceling it
// immediately would race store writes (event appends, finalize) against
// their own context and would collapse graceful shutdown into the same
// hard SIGKILL path as a lost lease. Instead, on parent.Done() the Worker
// requests an ordinary cancellation (closing shutdown, which drives the
// existing SIGTERM→grace→SIGKILL escalation in watchCancellation) and
// keeps renewing the lease until the Supervisor actually finishes, so the
// Reaper never races in while the graceful shutdown is still draining. A
// LostLease observation is the one case that still hard-cancels: another
// owner may already be retrying the run, so no grace period is safe.
func (w *Worker) superviseWithHeartbeat(parent context.Context, run *model.Run, task *model.Task) {
	execCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.supervisor.Execute(execCtx, run, task, w.id, shutdown)
	}()

	ticker := time.NewTicker(w.leaseDuration / 3)
	defer ticker.Stop()

	parentDone := parent.Done()
	for {
		select {
		case <-done:
			return
		case <-parentDone:
			parentDone = nil // consume once; a closed channel is always ready
			w.log.WithRunID(run.RunID).Warn("worker.shutdown.cancel_requested")
			if err := w.store.RequestCancel(context.Background(), run.RunID); err != nil {
				w.log.WithRunID(run.RunID).WithError(err).Warn("worker.shutdown.request_cancel.failed")
			}
			close(shutdown)
		case <-ticker.C:
			if err := w.store.RenewLease(context.Background(), run.RunID, w.id, w.leaseDuration); err != nil {
				w.log.WithRunID(run.RunID).WithError(err).Error("worker.lost_lease")
				// No longer own the run: force the child down now rather
				// than let the Supervisor's own escalation run; a new
				// owner may already be claiming it.
				hardCancel()
				<-done
				return
			}
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, status model.WorkerStatus, runID *string) error {
	hostname, _ := os.Hostname()
	return w.store.UpsertWorkerHeartbeat(ctx, w.id, hostname, os.Getpid(), status, runID)
}

// sleepCtx sleeps for d or returns false early if ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
