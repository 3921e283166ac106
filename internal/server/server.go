// Package server exposes the stagehand HTTP surface: health, metrics, the
// client websocket and the session and render REST endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/szaher/stagehand/internal/compute"
	"github.com/szaher/stagehand/internal/render"
	"github.com/szaher/stagehand/internal/telemetry"
)

// Sessions is the read-only session view served over REST.
type Sessions interface {
	Backend() string
	AllSessions() []*compute.Session
	GetSession(id string) (*compute.Session, bool)
	PreviewURL(sess *compute.Session) string
}

// Renders is the render job surface served over REST.
type Renders interface {
	Create(ctx context.Context, req render.CreateRequest) (*render.Job, error)
	Get(id string) (*render.Job, bool)
	ListByProject(projectID string) []*render.Job
	Cancel(ctx context.Context, id string) (*render.Job, error)
	Logs(ctx context.Context, id string) (string, error)
}

// Server is the HTTP server.
type Server struct {
	mux       *http.ServeMux
	server    *http.Server
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	sessions  Sessions
	renders   Renders
	ws        http.Handler
	startTime time.Time
	version   string
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// New creates the server. renders may be nil when rendering is disabled.
func New(sessions Sessions, renders Renders, ws http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		sessions:  sessions,
		renders:   renders,
		ws:        ws,
		logger:    slog.Default(),
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if ws != nil {
		mux.Handle("GET /ws", ws)
	}
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/projects/{projectId}/renders", s.handleCreateRender)
	mux.HandleFunc("GET /v1/projects/{projectId}/renders", s.handleListRenders)
	mux.HandleFunc("GET /v1/renders/{id}", s.handleGetRender)
	mux.HandleFunc("POST /v1/renders/{id}/cancel", s.handleCancelRender)
	mux.HandleFunc("GET /v1/renders/{id}/logs", s.handleRenderLogs)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.requestContext(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr, "backend", s.sessions.Backend())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"uptime":   time.Since(s.startTime).String(),
		"backend":  s.sessions.Backend(),
		"sessions": len(s.sessions.AllSessions()),
		"version":  s.version,
	})
}

type sessionView struct {
	*compute.Session
	PreviewURL string `json:"previewUrl"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	all := s.sessions.AllSessions()
	out := make([]sessionView, 0, len(all))
	for _, sess := range all {
		out = append(out, sessionView{Session: sess, PreviewURL: s.sessions.PreviewURL(sess)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.GetSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Session: sess, PreviewURL: s.sessions.PreviewURL(sess)})
}

func (s *Server) rendersEnabled(w http.ResponseWriter) bool {
	if s.renders == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "rendering is not configured for this backend")
		return false
	}
	return true
}

func (s *Server) handleCreateRender(w http.ResponseWriter, r *http.Request) {
	if !s.rendersEnabled(w) {
		return
	}
	var body struct {
		CompositionID string `json:"compositionId"`
		Format        string `json:"format"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
			return
		}
	}
	job, err := s.renders.Create(r.Context(), render.CreateRequest{
		ProjectID:     r.PathValue("projectId"),
		CompositionID: body.CompositionID,
		Format:        body.Format,
	})
	if err != nil {
		telemetry.RequestLogger(s.logger, r.Context(), "server").Error("create render failed", "error", err)
		writeError(w, http.StatusBadGateway, "render_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListRenders(w http.ResponseWriter, r *http.Request) {
	if !s.rendersEnabled(w) {
		return
	}
	jobs := s.renders.ListByProject(r.PathValue("projectId"))
	if jobs == nil {
		jobs = []*render.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"renders": jobs})
}

func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	if !s.rendersEnabled(w) {
		return
	}
	job, ok := s.renders.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "render not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelRender(w http.ResponseWriter, r *http.Request) {
	if !s.rendersEnabled(w) {
		return
	}
	job, err := s.renders.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, render.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "render not found")
	case errors.Is(err, render.ErrJobTerminal):
		msg := "render already finished"
		if job != nil {
			msg = "render already " + string(job.Status)
		}
		writeError(w, http.StatusConflict, "conflict", msg)
	case err != nil:
		writeError(w, http.StatusBadGateway, "cancel_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleRenderLogs(w http.ResponseWriter, r *http.Request) {
	if !s.rendersEnabled(w) {
		return
	}
	logs, err := s.renders.Logs(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, render.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "render not found")
	case err != nil:
		writeError(w, http.StatusBadGateway, "logs_failed", err.Error())
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(logs))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
