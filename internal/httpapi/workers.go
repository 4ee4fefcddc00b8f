package httpapi

import "net/http"

// handleListWorkers returns the worker registry snapshot. GET /workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers, "count": len(workers)})
}
