// Package httpapi is the TaskHub REST+WebSocket surface: task
// and cron administration, run lifecycle, event tailing, and artifact
// download.
package httpapi

import (
	"net/http"
	"sync"

	"taskhub/internal/scheduler"
	"taskhub/internal/store"
	"taskhub/internal/taskregistry"
	"taskhub/pkg/logging"
)

// Server wires the Store, task registry, and Scheduler into HTTP routes.
type Server struct {
	store     *store.Store
	registry  *taskregistry.Registry
	scheduler *scheduler.Scheduler
	dataDir   string
	metrics   *Metrics
	log       *logging.Logger
}

// New builds a Server. scheduler may be nil when the API process runs
// standalone from the scheduler process; POST /cron (which needs it to
// compute next_run_at) and POST /cron/{id}/trigger then answer 503. dataDir is the root the Supervisor
// writes run directories under (data/runs/<run_id>/…), needed
// here to resolve an Artifact's run-relative path back to a file on disk.
func New(st *store.Store, reg *taskregistry.Registry, sch *scheduler.Scheduler, dataDir string, log *logging.Logger) *Server {
	return &Server{
		store:     st,
		registry:  reg,
		scheduler: sch,
		dataDir:   dataDir,
		metrics:   processMetrics(),
		log:       log,
	}
}

// The collectors go into Prometheus's default registry, which rejects a
// second registration of the same names, so every Server in a process
// shares one Metrics set.
var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

func processMetrics() *Metrics {
	metricsOnce.Do(func() { sharedMetrics = NewMetrics("taskhub") })
	return sharedMetrics
}

// Router builds the full handler tree, metrics and CORS middleware applied.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", MetricsHandler())

	mux.HandleFunc("GET /tasks", s.handleListTasks)

	mux.HandleFunc("POST /tasks/{task_id}/runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /runs/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /runs/{id}/files/{file_id}", s.handleGetFile)

	mux.HandleFunc("GET /workers", s.handleListWorkers)

	mux.HandleFunc("GET /cron", s.handleListCron)
	mux.HandleFunc("POST /cron", s.handleCreateCron)
	mux.HandleFunc("DELETE /cron/{id}", s.handleDeleteCron)
	mux.HandleFunc("POST /cron/{id}/trigger", s.handleTriggerCron)

	metered := s.metrics.Middleware(mux)
	corsed := corsMiddleware(metered)

	top := http.NewServeMux()
	top.HandleFunc("GET /ws/runs/{id}/events", s.handleEventTail)
	top.Handle("/", corsed)
	return top
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
