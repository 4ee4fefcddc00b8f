// Package model defines TaskHub's core domain types.
//
// Two families: Task (a definition held only in the in-process registry,
// never persisted) and Run/Event/Artifact/Worker/CronEntry (persistent
// entities that live in the Store).
package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the state of one execution attempt.
//
// State graph: QUEUED → RUNNING → {SUCCEEDED, FAILED, CANCELED}; QUEUED →
// CANCELED directly. RUNNING never returns to QUEUED; a retry is always a
// new Run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCanceled  RunStatus = "CANCELED"
)

// IsTerminal reports whether status is one a Run never leaves once reached.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// WorkerStatus is a Worker's state in the registry.
type WorkerStatus string

const (
	WorkerStatusIdle WorkerStatus = "IDLE"
	WorkerStatusBusy WorkerStatus = "BUSY"
)

// ArtifactKind classifies how a produced file should be rendered.
type ArtifactKind string

const (
	ArtifactKindImage  ArtifactKind = "image"
	ArtifactKindTable  ArtifactKind = "table"
	ArtifactKindText   ArtifactKind = "text"
	ArtifactKindHTML   ArtifactKind = "html"
	ArtifactKindBinary ArtifactKind = "binary"
)

// Task is the in-memory, read-only-after-load definition of something that
// can be run. The task registry (internal/taskregistry) is the sole owner
// of Task values; the Store never persists them.
type Task struct {
	TaskID           string          `json:"task_id"`
	Name             string          `json:"name"`
	Version          string          `json:"version"`
	IsEnabled        bool            `json:"is_enabled"`
	ConcurrencyLimit int             `json:"concurrency_limit"`     // 0 means unlimited
	RunTimeout       time.Duration   `json:"run_timeout,omitempty"` // 0 means unbounded
	ParamsSchema     json.RawMessage `json:"params_schema"`
	BuildCommand     func(params json.RawMessage) ([]string, error) `json:"-"`
}

// HasConcurrencyLimit reports whether the task caps simultaneous RUNNING runs.
func (t *Task) HasConcurrencyLimit() bool {
	return t.ConcurrencyLimit > 0
}

// Run is a single execution attempt of a Task.
type Run struct {
	RunID           string     `json:"run_id" db:"run_id"`
	TaskID          string     `json:"task_id" db:"task_id"`
	Params          json.RawMessage `json:"params" db:"params"`
	Status          RunStatus  `json:"status" db:"status"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ExitCode        *int       `json:"exit_code,omitempty" db:"exit_code"`
	Error           *string    `json:"error,omitempty" db:"error"`
	LeaseOwner      *string    `json:"lease_owner,omitempty" db:"lease_owner"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	PGID            *int       `json:"pgid,omitempty" db:"pgid"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	CronID          *string    `json:"cron_id,omitempty" db:"cron_id"`
}

// Duration returns the wall-clock time the run has been (or was) in flight.
// Zero value if the run never started.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.FinishedAt != nil {
		end = *r.FinishedAt
	}
	return end.Sub(*r.StartedAt)
}

// Event is one append-only, totally ordered entry in a Run's event stream.
type Event struct {
	RunID     string          `json:"run_id" db:"run_id"`
	Seq       int             `json:"seq" db:"seq"`
	Type      string          `json:"type" db:"type"`
	Timestamp time.Time       `json:"ts" db:"ts"`
	Data      json.RawMessage `json:"data" db:"data"`
}

// Fixed, meaningful event types; anything else is stored opaquely.
const (
	EventTypeLog      = "log"
	EventTypeProgress = "progress"
	EventTypeArtifact = "artifact"
	EventTypeStdout   = "stdout"
	EventTypeStderr   = "stderr"
	EventTypeSystem   = "system"
)

// Artifact is a file a Run produced, referenced from its event stream.
type Artifact struct {
	ArtifactID string       `json:"artifact_id" db:"artifact_id"`
	RunID      string       `json:"run_id" db:"run_id"`
	FileID     string       `json:"file_id" db:"file_id"`
	Title      string       `json:"title" db:"title"`
	Kind       ArtifactKind `json:"kind" db:"kind"`
	Mime       string       `json:"mime" db:"mime"`
	Path       string       `json:"path" db:"path"`
	SizeBytes  int64        `json:"size_bytes" db:"size_bytes"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
}

// Worker is a soft-state registry entry for a long-lived Worker process.
type Worker struct {
	WorkerID      string       `json:"worker_id" db:"worker_id"`
	Hostname      string       `json:"hostname" db:"hostname"`
	PID           int          `json:"pid" db:"pid"`
	Status        WorkerStatus `json:"status" db:"status"`
	RunID         *string      `json:"run_id,omitempty" db:"run_id"`
	LastHeartbeat time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
}

// CronEntry is a stored schedule that materializes Runs over time.
type CronEntry struct {
	CronID         string          `json:"cron_id" db:"cron_id"`
	TaskID         string          `json:"task_id" db:"task_id"`
	CronExpression string          `json:"cron_expression" db:"cron_expression"`
	Params         json.RawMessage `json:"params" db:"params"`
	Name           string          `json:"name" db:"name"`
	IsEnabled      bool            `json:"is_enabled" db:"is_enabled"`
	NextRunAt      time.Time       `json:"next_run_at" db:"next_run_at"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty" db:"last_run_at"`
}
