// Package server exposes the search core over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/datakarta/cdrtrace/trace/service"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server routes search and association queries to the service layer.
type Server struct {
	svc    *service.Service
	log    zerolog.Logger
	router *mux.Router
}

// New builds the HTTP surface.
func New(svc *service.Service, log zerolog.Logger) *Server {
	s := &Server{svc: svc, log: log, router: mux.NewRouter()}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requestID)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/associations", s.handleAssociations).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return s
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("request_id", id).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

func optionsFromQuery(r *http.Request) service.Options {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	return service.Options{
		StartDate:  q.Get("startDate"),
		EndDate:    q.Get("endDate"),
		StartTime:  q.Get("startTime"),
		EndTime:    q.Get("endTime"),
		Limit:      limit,
		SearchType: service.SearchType(q.Get("searchType")),
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	res, err := s.svc.Search(r.Context(), identifier, optionsFromQuery(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAssociations(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	out, err := s.svc.FindAssociations(r.Context(), identifier, optionsFromQuery(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"associations": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, service.ErrValidation) {
		status = http.StatusBadRequest
	} else {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
