// Package httpserver exposes an apinode.Service over a thin JSON/HTTP
// surface: instance CRUD, lifecycle commands, configuration reads/patches,
// and the status-ring query endpoint named in spec §6's external
// interfaces.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/instanceforge/controlplane/apinode"
	"github.com/instanceforge/controlplane/messages"
	"github.com/instanceforge/controlplane/messages/xerrors"
)

// Server wraps an apinode.Service in an http.Handler.
type Server struct {
	svc    *apinode.Service
	mux    *http.ServeMux
	http   *http.Server
	logger zerolog.Logger
}

// New builds a Server with every route registered.
func New(svc *apinode.Service) *Server {
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		logger: log.With().Str("component", "apinode.httpserver").Logger(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts an HTTP server on addr using sane timeouts, in the
// same shape as the teacher's health-check server. It blocks until the
// server stops, either from an error or a call to Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server, unwinding the
// cascade described for the API node's root cancellation token.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /instances", s.handleCreateInstance)
	s.mux.HandleFunc("GET /instances", s.handleListInstances)
	s.mux.HandleFunc("GET /instances/{id}", s.handleGetInstance)
	s.mux.HandleFunc("DELETE /instances/{id}", s.handleDeleteInstance)
	s.mux.HandleFunc("POST /instances/{id}/start", s.handleStartInstance)
	s.mux.HandleFunc("POST /instances/{id}/stop", s.handleStopInstance)
	s.mux.HandleFunc("POST /instances/{id}/restart", s.handleRestartInstance)
	s.mux.HandleFunc("GET /instances/{id}/configuration", s.handleGetConfiguration)
	s.mux.HandleFunc("PATCH /instances/{id}/configuration", s.handlePatchConfiguration)
	s.mux.HandleFunc("GET /status-changes", s.handleGetRecentChanges)
}

type createInstanceRequest struct {
	Name          string                         `json:"name"`
	Description   string                         `json:"description,omitempty"`
	PlatformKind  messages.PlatformKind          `json:"platformKind"`
	Configuration messages.DeclaredConfiguration `json:"configuration"`
	Tags          map[string]string              `json:"tags,omitempty"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.NewValidationError("body", err.Error()))
		return
	}
	instance, err := s.svc.CreateInstance(req.Name, req.Description, req.PlatformKind, req.Configuration, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListInstances())
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := s.svc.GetInstance(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteInstance(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.StartInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.StopInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRestartInstance(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.RestartInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	config, err := s.svc.GetConfiguration(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handlePatchConfiguration(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, xerrors.NewValidationError("body", err.Error()))
		return
	}
	config, err := s.svc.PatchConfiguration(r.Context(), r.PathValue("id"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleGetRecentChanges(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, xerrors.NewValidationError("since", err.Error()))
		return
	}
	var statusFilter *messages.InstanceStatus
	if raw := r.URL.Query().Get("statusFilter"); raw != "" {
		status := messages.InstanceStatus(raw)
		statusFilter = &status
	}
	writeJSON(w, http.StatusOK, s.svc.GetRecentChanges(since, statusFilter))
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func statusFor(err error) (int, string) {
	switch {
	case errorsAs[*xerrors.NotFoundError](err):
		return http.StatusNotFound, "NotFound"
	case errorsAs[*xerrors.ConflictError](err):
		return http.StatusConflict, "Conflict"
	case errorsAs[*xerrors.ValidationError](err):
		return http.StatusBadRequest, "Validation"
	case errorsAs[*xerrors.TimeoutError](err):
		return http.StatusGatewayTimeout, "Timeout"
	case errorsAs[*xerrors.CancelledError](err):
		return http.StatusRequestTimeout, "Cancelled"
	case errorsAs[*xerrors.PlatformFailureError](err):
		return http.StatusBadGateway, "PlatformFailure"
	case errorsAs[*xerrors.TransportError](err):
		return http.StatusBadGateway, "Transport"
	default:
		return http.StatusInternalServerError, "Unknown"
	}
}

func errorsAs[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
