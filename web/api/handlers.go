package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
	"github.com/hochfrequenz/worktree-orchestrator/internal/taskstore"
)

// maxSpecBytes bounds the size of a posted run spec
const maxSpecBytes = 1 << 20

// CleanupResponse lists the directories a cleanup removed
type CleanupResponse struct {
	Removed []string `json:"removed"`
}

func (s *Server) startRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec domain.RunSpec
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpecBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid run spec: "+err.Error())
			return
		}
		if err := spec.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		run, err := s.orch.Start(r.Context(), &spec)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Location", "/api/runs/"+run.ID)
		writeJSON(w, http.StatusAccepted, run)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f taskstore.RunFilter
		q := r.URL.Query()
		for _, st := range q["status"] {
			f.Status = append(f.Status, domain.RunStatus(st))
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			f.Limit = n
		}

		runs, err := s.orch.ListRuns(r.Context(), f)
		if err != nil {
			writeErr(w, err)
			return
		}
		if runs == nil {
			runs = []*domain.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.orch.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) cancelRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.orch.Cancel(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": id})
	}
}

func (s *Server) listWorkspacesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := s.orch.Workspaces()
		if list == nil {
			list = []domain.Workspace{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) cleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := s.orch.CleanupOrphans(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		if removed == nil {
			removed = []string{}
		}
		writeJSON(w, http.StatusOK, CleanupResponse{Removed: removed})
	}
}
