package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"taskhub/internal/scheduler"
)

type createCronRequest struct {
	TaskID         string          `json:"task_id"`
	CronExpression string          `json:"cron_expression"`
	Name           string          `json:"name"`
	Params         json.RawMessage `json:"params"`
}

// handleListCron lists every schedule. GET /cron
func (s *Server) handleListCron(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListCronEntries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cron entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cron_entries": entries, "count": len(entries)})
}

// handleCreateCron creates a new schedule. POST /cron
func (s *Server) handleCreateCron(w http.ResponseWriter, r *http.Request) {
	var req createCronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" || req.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "task_id and cron_expression are required")
		return
	}
	if _, ok := s.registry.Get(req.TaskID); !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable on this process")
		return
	}

	now := time.Now().UTC()
	next, err := s.scheduler.NextFireTime(req.CronExpression, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cron_expression: "+err.Error())
		return
	}

	cronID, err := s.store.CreateCronEntry(r.Context(), req.TaskID, req.CronExpression, req.Params, req.Name, next)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create cron entry")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"cron_id": cronID})
}

// handleDeleteCron removes a schedule. DELETE /cron/{id}
func (s *Server) handleDeleteCron(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCronEntry(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete cron entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerCron enqueues a one-off run for a schedule immediately,
// without disturbing its cadence. POST /cron/{id}/trigger
func (s *Server) handleTriggerCron(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable on this process")
		return
	}
	tasks := s.registry.Snapshot()
	runID, err := s.scheduler.TriggerNow(r.Context(), tasks, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, scheduler.ErrCronEntryNotFound) {
			writeError(w, http.StatusNotFound, "cron entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to trigger run: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}
