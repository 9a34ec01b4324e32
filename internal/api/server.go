// Package api serves the operator HTTP interface of the hedge daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/dasein108/cex-arbitrage-sub009/internal/engine"
	"github.com/dasein108/cex-arbitrage-sub009/internal/hedge"
	"github.com/dasein108/cex-arbitrage-sub009/internal/infra"
)

// HealthReporter reports per-venue health.
type HealthReporter interface {
	Health() map[string]string
}

// Server handles the operator REST API.
type Server struct {
	sup     *engine.Supervisor
	venues  HealthReporter
	origins []string
	log     *slog.Logger
	router  *mux.Router
	srv     *http.Server
}

// NewServer creates a new API server. venues may be nil.
func NewServer(sup *engine.Supervisor, venues HealthReporter, allowedOrigins []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		sup:     sup,
		venues:  venues,
		origins: allowedOrigins,
		log:     log.With(slog.String("component", "api")),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/hedges", s.handleListHedges).Methods("GET")
	api.HandleFunc("/hedges", s.handleCreateHedge).Methods("POST")
	api.HandleFunc("/hedges/{id}", s.handleGetHedge).Methods("GET")
	api.HandleFunc("/hedges/{id}", s.handleUpdateHedge).Methods("PATCH")
	api.HandleFunc("/hedges/{id}", s.handleDeleteHedge).Methods("DELETE")
	api.HandleFunc("/hedges/{id}/{command:start|pause|resume|cancel}", s.handleCommand).Methods("POST")
	api.HandleFunc("/venues", s.handleVenues).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("API server starting", slog.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleListHedges(w http.ResponseWriter, r *http.Request) {
	list := s.sup.List()
	out := make([]HedgeView, len(list))
	for i, c := range list {
		out[i] = newHedgeView(c)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetHedge(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newHedgeView(eng.Snapshot()))
}

func (s *Server) handleCreateHedge(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := req.Params()
	if err != nil {
		s.fail(w, err)
		return
	}
	eng, err := s.sup.Create(r.Context(), p, req.Start)
	if err != nil && eng == nil {
		s.fail(w, err)
		return
	}
	if err != nil {
		s.log.Warn("Hedge created but not started", slog.String("id", p.ID), slog.Any("error", err))
	}
	respondJSON(w, http.StatusCreated, newHedgeView(eng.Snapshot()))
}

func (s *Server) handleUpdateHedge(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := req.params()
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := eng.Update(r.Context(), u); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newHedgeView(eng.Snapshot()))
}

func (s *Server) handleDeleteHedge(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	command := mux.Vars(r)["command"]
	var err error
	switch command {
	case "start":
		err = eng.Start(r.Context())
	case "pause":
		err = eng.Pause(r.Context())
	case "resume":
		err = eng.Resume(r.Context())
	case "cancel":
		err = eng.CancelAll(r.Context())
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("Operator command", slog.String("engine", eng.ID()), slog.String("command", command))
	respondJSON(w, http.StatusOK, newHedgeView(eng.Snapshot()))
}

func (s *Server) handleVenues(w http.ResponseWriter, r *http.Request) {
	health := map[string]string{}
	if s.venues != nil {
		health = s.venues.Health()
	}
	respondJSON(w, http.StatusOK, health)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: infra.Version, Hedges: len(s.sup.List())}
	if s.venues != nil {
		resp.Venues = s.venues.Health()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*hedge.Engine, bool) {
	id := mux.Vars(r)["id"]
	eng, ok := s.sup.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "hedge not found", id)
	}
	return eng, ok
}

// fail maps an engine or supervisor error onto a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		respondError(w, http.StatusNotFound, "hedge not found", err.Error())
	case errors.Is(err, hedge.ErrInvalidParams):
		respondError(w, http.StatusBadRequest, "invalid parameters", err.Error())
	case errors.Is(err, engine.ErrExists), errors.Is(err, engine.ErrBusy),
		errors.Is(err, hedge.ErrTerminal), errors.Is(err, hedge.ErrNotRunning):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	default:
		// Usually a venue refusing a cancel; the hedge kept its state.
		s.log.Warn("Command failed", slog.Any("error", err))
		respondError(w, http.StatusBadGateway, "command failed", err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}
