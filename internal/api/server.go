// Package api exposes a read-only status surface for one worker: health
// and run inspection. Mutations stay with the upstream serving layer; this
// server only observes.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/apperrors"
	"github.com/DRSY/codalab-worksheets/internal/run"
)

type Server struct {
	manager *run.Manager
	router  *chi.Mux
}

// New creates a new status server over the given run manager.
func New(manager *run.Manager) *Server {
	s := &Server{
		manager: manager,
		router:  chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Get("/healthz", s.health)
	s.router.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{uuid}", s.getRun)
	})

	return s
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	serveJson(w, map[string]string{"status": "ok"})
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	serveJson(w, s.manager.AllRuns())
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	workerRun, err := s.manager.GetRun(uuid)
	if err != nil {
		http.Error(w, err.Error(), apperrors.HTTPStatus(err))
		return
	}
	serveJson(w, workerRun)
}

func serveJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}
