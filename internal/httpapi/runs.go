package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"taskhub/internal/model"
	"taskhub/internal/taskhuberr"
)

type createRunRequest struct {
	Params json.RawMessage `json:"params"`
}

// handleCreateRun enqueues a run for a task.
// POST /tasks/{task_id}/runs
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	var req createRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	tasks := s.registry.Snapshot()
	runID, err := s.store.EnqueueRun(r.Context(), tasks, taskID, req.Params, nil)
	if err != nil {
		switch {
		case errors.Is(err, taskhuberr.ErrUnknownTask):
			writeError(w, http.StatusNotFound, "unknown task")
		case errors.Is(err, taskhuberr.ErrDisabled):
			writeError(w, http.StatusConflict, "task is disabled")
		default:
			writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		}
		return
	}
	s.metrics.RunsEnqueuedTotal.WithLabelValues(taskID).Inc()

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load created run")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleListRuns lists runs, optionally filtered by task_id/status.
// GET /runs?task_id=&status=&limit=
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	runs, err := s.store.ListRuns(r.Context(), q.Get("task_id"), model.RunStatus(q.Get("status")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// runDetail is a Run plus its computed wall-clock duration.
type runDetail struct {
	*model.Run
	DurationMS int64 `json:"duration_ms"`
}

// handleGetRun loads a single run. GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, DurationMS: run.Duration().Milliseconds()})
}

// handleCancelRun requests cancellation of a run. POST /runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.RequestCancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
	case errors.Is(err, taskhuberr.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, taskhuberr.ErrNotClaimable):
		writeError(w, http.StatusConflict, "run already in a terminal state")
	default:
		writeError(w, http.StatusInternalServerError, "failed to request cancel")
	}
}

// handleListEvents returns a page of a run's event stream.
// GET /runs/{id}/events?cursor=N&limit=N
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	cursor, _ := strconv.Atoi(q.Get("cursor"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	events, next, err := s.store.ListEvents(r.Context(), id, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "cursor": next})
}

// handleListArtifacts lists artifacts a run produced.
// GET /runs/{id}/artifacts
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListArtifacts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts, "count": len(artifacts)})
}

// handleGetFile streams one artifact's bytes from disk.
// GET /runs/{id}/files/{file_id}
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	runID, fileID := r.PathValue("id"), r.PathValue("file_id")
	artifact, err := s.store.GetArtifact(r.Context(), runID, fileID)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Type", artifact.Mime)
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Title+`"`)
	http.ServeFile(w, r, filepath.Join(s.dataDir, "runs", runID, artifact.Path))
}
