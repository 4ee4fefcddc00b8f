package httpapi

import "net/http"

// handleListTasks returns the task registry snapshot.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Snapshot()
	tasks := make([]interface{}, 0, len(snapshot))
	for _, t := range snapshot {
		tasks = append(tasks, t)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}
