package api

import (
	"net/http"
)

// knownRun rejects streams for runs that were never started.
func (s *Server) knownRun(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := s.orch.Status(r.Context(), id); err != nil {
		writeErr(w, err)
		return "", false
	}
	return id, true
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.knownRun(w, r)
		if !ok {
			return
		}
		s.hub.ServeSSE(w, r, id, s.keepAlive)
	}
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.knownRun(w, r)
		if !ok {
			return
		}
		s.ws.Serve(w, r, id)
	}
}
