// Package worker implements the Worker loop and its in-process Supervisor:
// the component that spawns a claimed run's child in its own process group,
// drains its structured event stream, and drives it to a terminal state.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskhub/internal/model"
	"taskhub/internal/store"
	"taskhub/internal/taskhuberr"
	"taskhub/internal/taskregistry"
	"taskhub/pkg/logging"
)

// maxLineBytes bounds how much of an oversize stdout/stderr line is kept
// in its event; the rest is discarded and the stored text ends in a
// " …(truncated)" suffix. The event has no separate truncated field.
const maxLineBytes = 64 * 1024

// streamQueueDepth is the bounded in-memory queue per stream.
const streamQueueDepth = 4096

// cancelPollInterval is how often the Supervisor checks cancel_requested.
const cancelPollInterval = 500 * time.Millisecond

// overflowWait is how long a full event queue may hold the pipe reader
// before the Supervisor stops waiting and starts coalescing lines into a
// single overflow marker. Backpressure comes first; this only bounds how
// long a stuck event writer can stall the child.
const overflowWait = 5 * time.Second

// Supervisor drives one claimed run from CLAIMED to FINALIZED.
type Supervisor struct {
	store     *store.Store
	dataDir   string
	log       *logging.Logger
	softGrace time.Duration
}

// NewSupervisor builds a Supervisor that writes run directories under dataDir.
func NewSupervisor(st *store.Store, dataDir string, softGrace time.Duration, log *logging.Logger) *Supervisor {
	return &Supervisor{store: st, dataDir: dataDir, log: log, softGrace: softGrace}
}

// Execute runs the full Supervisor state machine for a claimed run:
// CLAIMED → SPAWNED → DRAINING → EXITED → FINALIZED. It always returns once
// the run has reached a terminal status in the Store (or the attempt to
// finalize it failed, which is itself logged and swallowed; a poisoned
// run must never crash the Worker's main loop).
// shutdown, when non-nil, is closed by the caller to request a graceful
// cancellation distinct from an ordinary request_cancel: the terminal
// error is reported as "worker_shutdown" instead of "canceled". A nil
// shutdown channel never fires.
func (sup *Supervisor) Execute(ctx context.Context, run *model.Run, task *model.Task, workerID string, shutdown <-chan struct{}) {
	log := sup.log.WithRunID(run.RunID).WithTaskID(run.TaskID)

	argv, err := taskregistry.BuildCommand(task, run.Params)
	if err != nil {
		berr := &taskhuberr.BuildCommandError{Err: err}
		log.WithError(berr).Error("supervisor.build_command.failed")
		sup.finalize(ctx, log, run.RunID, workerID, model.RunStatusFailed, nil, strPtr(berr.Error()))
		return
	}
	if len(argv) == 0 {
		berr := &taskhuberr.BuildCommandError{Err: errEmptyCommand}
		sup.finalize(ctx, log, run.RunID, workerID, model.RunStatusFailed, nil, strPtr(berr.Error()))
		return
	}

	runDir := filepath.Join(sup.dataDir, "runs", run.RunID)
	artifactsDir := filepath.Join(runDir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		log.WithError(err).Error("supervisor.mkdir.failed")
		sup.finalize(ctx, log, run.RunID, workerID, model.RunStatusFailed, nil, strPtr((&taskhuberr.SpawnError{Err: err}).Error()))
		return
	}

	stdoutLog, err := os.OpenFile(filepath.Join(runDir, "stdout.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		sup.finalize(ctx, log, run.RunID, workerID, model.RunStatusFailed, nil, strPtr((&taskhuberr.SpawnError{Err: err}).Error()))
		return
	}
	defer stdoutLog.Close()
	stderrLog, err := os.OpenFile(filepath.Join(runDir, "stderr.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		sup.finalize(ctx, log, run.RunID, workerID, model.RunStatusFailed, nil, strPtr((&taskhuberr.SpawnError{Err: err}).Error()))
		return
	}
	defer stderrLog.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"TASKHUB_RUN_ID="+run.RunID,
		"TASKHUB_ARTIFACTS_DIR="+artifactsDir,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		sup.finalize(ctx, log, run.RunID, workerID, model.RunStatusFailed, nil, strPtr((&taskhuberr.SpawnError{Err: err}).Error()))
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		sup.finalize(ctx, log, run.RunID, workerID, model.RunStatusFailed, nil, strPtr((&taskhuberr.SpawnError{Err: err}).Error()))
		return
	}

	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("supervisor.spawn.failed")
		sup.finalize(ctx, log, run.RunID, workerID, model.RunStatusFailed, nil, strPtr((&taskhuberr.SpawnError{Err: err}).Error()))
		return
	}
	pgid := cmd.Process.Pid // Setpgid makes the leader's pid the pgid
	if err := sup.store.SetPGID(ctx, run.RunID, workerID, pgid); err != nil {
		log.WithError(err).Warn("supervisor.set_pgid.failed")
	}
	log.Info("supervisor.spawned", "pgid", pgid, "argv", strings.Join(argv, " "))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sup.drainStream(ctx, log, run.RunID, stdoutPipe, stdoutLog, model.EventTypeStdout, artifactsDir)
	}()
	go func() {
		defer wg.Done()
		sup.drainStream(ctx, log, run.RunID, stderrPipe, stderrLog, model.EventTypeStderr, artifactsDir)
	}()

	canceled := run.CancelRequested
	reason := "canceled"
	cancelCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		wasCanceled, watchReason := sup.watchCancellation(cancelCtx, log, run.RunID, pgid, shutdown, task.RunTimeout)
		if wasCanceled {
			canceled = true
			if watchReason != "" {
				reason = watchReason
			}
		}
	}()

	waitErr := cmd.Wait()
	stopWatch()
	<-watchDone
	wg.Wait()

	exitCode, signaled, sig := classifyExit(waitErr)
	status, finalErr := classifyTerminal(canceled, reason, exitCode, signaled, sig)

	var exitCodePtr *int
	if exitCode >= 0 {
		exitCodePtr = &exitCode
	}
	sup.finalize(ctx, log, run.RunID, workerID, status, exitCodePtr, finalErr)
}

// watchCancellation polls cancel_requested, a graceful-shutdown signal,
// and the task's optional run timeout, driving the SIGTERM→grace→SIGKILL
// escalation against the run's process group exactly once regardless of
// which trigger fired first. Returns whether a cancellation was ever
// observed and, if so, its reason ("canceled" for an ordinary
// request_cancel, "worker_shutdown" for a Worker-initiated graceful
// shutdown, "timeout" for a run deadline).
func (sup *Supervisor) watchCancellation(ctx context.Context, log *logging.Logger, runID string, pgid int, shutdown <-chan struct{}, timeout time.Duration) (canceled bool, reason string) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	escalated := false
	var graceDeadline time.Time

	for {
		select {
		case <-ctx.Done():
			// Either a lost-lease hard cancellation (the Worker no longer
			// owns the run and must force the child down immediately, no
			// grace period) or normal teardown after the child already
			// exited, where the kill is a no-op that also sweeps up any
			// stray descendants still in the group.
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			return escalated, reason
		case <-shutdown:
			shutdown = nil // consume once; a closed channel is always ready
			if !escalated {
				escalated = true
				reason = "worker_shutdown"
				graceDeadline = time.Now().Add(sup.softGrace)
				log.Warn("supervisor.shutdown.sigterm", "pgid", pgid)
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
			}
		case <-timeoutCh:
			timeoutCh = nil
			if !escalated {
				escalated = true
				reason = "timeout"
				graceDeadline = time.Now().Add(sup.softGrace)
				log.Warn("supervisor.timeout.sigterm", "pgid", pgid, "timeout", timeout)
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
			}
		case <-ticker.C:
			if !escalated {
				run, err := sup.store.GetRun(ctx, runID)
				if err != nil || run == nil {
					continue
				}
				if !run.CancelRequested {
					continue
				}
				escalated = true
				reason = "canceled"
				graceDeadline = time.Now().Add(sup.softGrace)
				log.Warn("supervisor.cancel.sigterm", "pgid", pgid)
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
				continue
			}
			if time.Now().After(graceDeadline) {
				log.Warn("supervisor.cancel.sigkill", "pgid", pgid)
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
				return true, reason
			}
		}
	}
}

// streamLine is one unit on the bounded per-stream queue: either a literal
// line or, when coalesced > 0, an overflow summary covering that many lines.
type streamLine struct {
	text      string
	coalesced int
}

// drainStream reads lines from r, writes each verbatim to logFile, parses
// structured JSON events and appends them via the Store, applying
// backpressure through a bounded channel. It must never drop a line
// silently. If the event writer stays stuck past overflowWait, the reader
// stops waiting, appends one overflow marker, and coalesces subsequent
// lines into it until the queue drains; the raw log file still receives
// every line either way.
func (sup *Supervisor) drainStream(ctx context.Context, log *logging.Logger, runID string, r io.Reader, logFile *os.File, fallbackType string, artifactsDir string) {
	lines := make(chan streamLine, streamQueueDepth)
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for ln := range lines {
			if ln.coalesced > 0 {
				sup.appendOverflowMarker(ctx, log, runID, fallbackType, ln.coalesced)
				continue
			}
			sup.handleLine(ctx, log, runID, ln.text, fallbackType, artifactsDir)
		}
	}()

	reader := bufio.NewReaderSize(r, 64*1024)
	coalescing := false
	coalescedCount := 0
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\r\n")
			fmt.Fprintln(logFile, trimmed) // stdout.log/stderr.log always get the verbatim line
			event := trimmed
			if len(event) > maxLineBytes {
				event = event[:maxLineBytes] + " …(truncated)"
			}
			if coalescing {
				select {
				case lines <- streamLine{coalesced: coalescedCount + 1}:
					coalescing = false
					coalescedCount = 0
				default:
					coalescedCount++
				}
			} else {
				select {
				case lines <- streamLine{text: event}:
				default:
					t := time.NewTimer(overflowWait)
					select {
					case lines <- streamLine{text: event}:
						t.Stop()
					case <-t.C:
						coalescing = true
						coalescedCount = 1
					}
				}
			}
		}
		if err != nil {
			break
		}
	}
	if coalescing && coalescedCount > 0 {
		lines <- streamLine{coalesced: coalescedCount}
	}
	close(lines)
	writerWG.Wait()
}

// appendOverflowMarker records that count lines on stream were folded into
// this single event instead of being stored individually.
func (sup *Supervisor) appendOverflowMarker(ctx context.Context, log *logging.Logger, runID, stream string, count int) {
	payload, _ := json.Marshal(map[string]interface{}{
		"action":          "stream_overflow",
		"stream":          stream,
		"coalesced_lines": count,
	})
	if _, err := sup.store.AppendEvent(ctx, runID, model.EventTypeSystem, payload); err != nil {
		log.WithError(err).Warn("supervisor.append_event.failed")
	}
}

type rawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (sup *Supervisor) handleLine(ctx context.Context, log *logging.Logger, runID, line, fallbackType, artifactsDir string) {
	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err == nil && raw.Type != "" {
		if _, err := sup.store.AppendEvent(ctx, runID, raw.Type, raw.Data); err != nil {
			log.WithError(err).Warn("supervisor.append_event.failed")
		}
		if raw.Type == model.EventTypeArtifact {
			sup.ingestArtifact(ctx, log, runID, raw.Data, artifactsDir)
		}
		return
	}

	payload, _ := json.Marshal(map[string]string{"line": line})
	if _, err := sup.store.AppendEvent(ctx, runID, fallbackType, payload); err != nil {
		log.WithError(err).Warn("supervisor.append_event.failed")
	}
}

type artifactManifest struct {
	Title  string `json:"title"`
	Kind   string `json:"kind"`
	Mime   string `json:"mime"`
	Path   string `json:"path"`
	FileID string `json:"file_id"`
}

// ingestArtifact inserts an Artifact row after verifying the manifest's
// path stays within the run's artifact directory.
func (sup *Supervisor) ingestArtifact(ctx context.Context, log *logging.Logger, runID string, data json.RawMessage, artifactsDir string) {
	var m artifactManifest
	if err := json.Unmarshal(data, &m); err != nil || m.Path == "" {
		log.Warn("supervisor.artifact.invalid_manifest")
		return
	}

	abs := filepath.Join(artifactsDir, m.Path)
	rel, err := filepath.Rel(artifactsDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		log.Warn("supervisor.artifact.path_escape", "path", m.Path)
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		log.WithError(err).Warn("supervisor.artifact.missing_file")
		return
	}

	fileID := m.FileID
	if fileID == "" {
		fileID = m.Path
	}
	// Artifact.Path is relative to the run directory, not to artifacts/,
	// so it can be joined straight onto the run
	// directory when serving GET /runs/{id}/files/{file_id}.
	runRelPath := filepath.Join("artifacts", m.Path)
	if _, err := sup.store.CreateArtifact(ctx, runID, fileID, m.Title, model.ArtifactKind(m.Kind), m.Mime, runRelPath, info.Size()); err != nil {
		log.WithError(err).Warn("supervisor.artifact.create_failed")
	}
}

func (sup *Supervisor) finalize(ctx context.Context, log *logging.Logger, runID, workerID string, status model.RunStatus, exitCode *int, errMsg *string) {
	if err := sup.store.FinishRun(ctx, runID, workerID, status, exitCode, errMsg); err != nil {
		log.WithError(err).Warn("supervisor.finish_run.failed")
		return
	}
	log.Info("supervisor.finalized", "status", status)
}

func strPtr(s string) *string { return &s }

var errEmptyCommand = fmt.Errorf("empty command")

// classifyExit extracts exit code, whether the process died by signal, and
// which signal, from cmd.Wait()'s error.
func classifyExit(err error) (exitCode int, signaled bool, sig syscall.Signal) {
	if err == nil {
		return 0, false, 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1, true, status.Signal()
			}
			return status.ExitStatus(), false, 0
		}
		return exitErr.ExitCode(), false, 0
	}
	return -1, false, 0
}

// signalNames maps the signals the Supervisor itself sends, plus other
// common fatal signals a child may die from, to their canonical names.
var signalNames = map[syscall.Signal]string{
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGILL:  "SIGILL",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGFPE:  "SIGFPE",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGPIPE: "SIGPIPE",
	syscall.SIGALRM: "SIGALRM",
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGBUS:  "SIGBUS",
}

func signalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return sig.String()
}

// classifyTerminal decides the terminal status for a finished child.
// reason is only used when canceled is true; it distinguishes an ordinary
// request_cancel ("canceled") from a Worker graceful shutdown
// ("worker_shutdown").
func classifyTerminal(canceled bool, reason string, exitCode int, signaled bool, sig syscall.Signal) (model.RunStatus, *string) {
	if canceled {
		msg := reason
		if msg == "" {
			msg = "canceled"
		}
		return model.RunStatusCanceled, &msg
	}
	if exitCode == 0 && !signaled {
		return model.RunStatusSucceeded, nil
	}
	if signaled {
		msg := fmt.Sprintf("child killed by signal: %s", signalName(sig))
		return model.RunStatusFailed, &msg
	}
	msg := fmt.Sprintf("exit_code=%d", exitCode)
	return model.RunStatusFailed, &msg
}
