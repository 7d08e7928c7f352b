package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/hochfrequenz/worktree-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/worktree-orchestrator/internal/coordinator"
	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/taskstore"
)

// Orchestrator is the maintenance surface the API exposes
type Orchestrator interface {
	Start(ctx context.Context, spec *domain.RunSpec) (*domain.Run, error)
	Cancel(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (*coordinator.RunView, error)
	ListRuns(ctx context.Context, f taskstore.RunFilter) ([]*domain.Run, error)
	Workspaces() []domain.Workspace
	CleanupOrphans(ctx context.Context) ([]string, error)
}

var _ Orchestrator = (*coordinator.Coordinator)(nil)

// Server is the HTTP API server
type Server struct {
	orch      Orchestrator
	hub       *broadcast.Hub
	ws        *broadcast.WebSocketHandler
	keepAlive time.Duration
	addr      string
	mux       *http.ServeMux
}

// NewServer creates a new API server
func NewServer(orch Orchestrator, hub *broadcast.Hub, addr string, stream broadcast.StreamConfig) *Server {
	s := &Server{
		orch:      orch,
		hub:       hub,
		ws:        broadcast.NewWebSocketHandler(hub, stream),
		keepAlive: 15 * time.Second,
		addr:      addr,
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/runs", s.startRunHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/ws", s.wsHandler())
	s.mux.HandleFunc("GET /api/workspaces", s.listWorkspacesHandler())
	s.mux.HandleFunc("POST /api/workspaces/cleanup", s.cleanupHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrWorktreeConflict), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
