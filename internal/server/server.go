// Package server exposes the service over an HTTP JSON API. Failures are
// returned as structured outcomes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/vidlens/internal/apperrors"
	"github.com/yourorg/vidlens/internal/config"
	"github.com/yourorg/vidlens/internal/metrics"
	"github.com/yourorg/vidlens/internal/service"
)

// Server wraps the API handlers.
type Server struct {
	cfg     *config.Config
	svc     *service.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, svc *service.Service, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if svc == nil {
		return nil, errors.New("service is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: m,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.ListenAndServe()
	}()
	s.logger.Info("http server listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	// Rendered batch reports.
	s.mux.Handle("/reports/", http.StripPrefix("/reports/", http.FileServer(http.Dir(s.cfg.Output.Dir))))
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	s.mux.HandleFunc("/api/analyze", s.handleAnalyze)
	s.mux.HandleFunc("/api/batch", s.handleBatch)
	s.mux.HandleFunc("/api/batch/", s.handleBatchStatus)
	s.mux.HandleFunc("/api/cache", s.handleCache)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.svc.ListSessions()
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		var req struct {
			Source      string `json:"source"`
			Description string `json:"description"`
		}
		if !decode(w, r, &req) {
			return
		}
		info, err := s.svc.CreateSession(r.Context(), req.Source, req.Description)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r) {
		return
	}
	id, tail, ok := splitPath(r.URL.Path, "/api/sessions/")
	if !ok || id == "" {
		http.NotFound(w, r)
		return
	}
	switch tail {
	case "turns":
		s.handleTurn(w, r, id)
	case "":
		s.handleSessionDetail(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		sess, err := s.svc.GetSession(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		if err := s.svc.DeleteSession(id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Continue(r.Context(), id, req.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Source string `json:"source"`
		Prompt string `json:"prompt"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.svc.Analyze(r.Context(), req.Source, req.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req service.BatchRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Batch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, tail, ok := splitPath(r.URL.Path, "/api/batch/")
	if !ok || tail != "" {
		http.NotFound(w, r)
		return
	}
	p, err := s.svc.BatchStatus(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.preflight(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		validate, _ := strconv.ParseBool(r.URL.Query().Get("validate"))
		writeJSON(w, http.StatusOK, s.svc.CacheEntries(r.Context(), validate))
	case http.MethodDelete:
		s.svc.ClearCache()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// preflight sets CORS headers, answers OPTIONS requests and refuses
// state-changing requests from foreign browser origins.
func (s *Server) preflight(w http.ResponseWriter, r *http.Request) bool {
	setCORS(w, s.cfg.Server.CORSOrigin)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	if r.Method != http.MethodGet && !s.originAllowed(r) {
		writeJSON(w, http.StatusForbidden, apperrors.ToOutcome(apperrors.Permanent("origin not allowed", nil), nil))
		return true
	}
	return false
}

// originAllowed accepts requests without an Origin header (CLI clients,
// agents), same-host origins and the configured CORS origin.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.cfg.Server.CORSOrigin != "" && origin == s.cfg.Server.CORSOrigin {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	o := s.svc.Outcome(err)
	status := statusFor(o.Category)
	if status >= 500 {
		s.logger.Error("request failed", "category", o.Category, "err", o.Detail)
	}
	writeJSON(w, status, o)
}

func statusFor(c apperrors.Category) int {
	switch c {
	case apperrors.CategoryNotFound:
		return http.StatusNotFound
	case apperrors.CategoryTransient:
		return http.StatusServiceUnavailable
	case apperrors.CategoryPermanent:
		return http.StatusBadRequest
	case apperrors.CategoryPartialBatchFailure:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// decode only accepts application/json bodies so browsers cannot send them
// as simple cross-origin requests.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, apperrors.ToOutcome(apperrors.Permanent("content type must be application/json", nil), nil))
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, apperrors.ToOutcome(apperrors.Permanent("invalid json", err), nil))
		return false
	}
	return true
}

func splitPath(fullPath, prefix string) (string, string, bool) {
	if !strings.HasPrefix(fullPath, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(fullPath, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	return id, tail, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// setCORS is a no-op unless an origin is configured.
func setCORS(w http.ResponseWriter, origin string) {
	if origin == "" {
		return
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
