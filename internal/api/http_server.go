package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"reservia/internal/config"
	"reservia/internal/database"
	"reservia/internal/engine"
	"reservia/internal/export"
	"reservia/internal/metrics"
	"reservia/internal/service"

	"github.com/rs/zerolog"
)

// HTTPServer exposes the reservation engine over a thin JSON API.
// Timestamps never come from the caller; the engine's clock supplies
// them, so the transport stays a dumb adapter.
type HTTPServer struct {
	cfg      config.APIConfig
	session  config.SessionConfig
	engine   *engine.Engine
	users    *service.UserService
	db       *database.DB
	exporter *export.Exporter
	server   *http.Server
	auth     *HTTPAuth
	log      zerolog.Logger
}

func NewHTTPServer(
	cfg config.APIConfig,
	sessionCfg config.SessionConfig,
	eng *engine.Engine,
	users *service.UserService,
	db *database.DB,
	exporter *export.Exporter,
	logger *zerolog.Logger,
) *HTTPServer {
	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "http").Logger()
	}

	srv := &HTTPServer{
		cfg:      cfg,
		session:  sessionCfg,
		engine:   eng,
		users:    users,
		db:       db,
		exporter: exporter,
		log:      log,
	}
	srv.auth = NewHTTPAuth(cfg, users, sessionCfg.CookieName)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/api/v1/session/login", srv.handleLogin)
	mux.HandleFunc("/api/v1/session/logout", srv.handleLogout)
	mux.HandleFunc("/api/v1/resources", srv.handleResources)
	mux.Handle("/api/v1/reservation/request", srv.auth.RequireSession(srv.handleRequest))
	mux.Handle("/api/v1/reservation/cancel", srv.auth.RequireSession(srv.handleCancel))
	mux.Handle("/api/v1/reservation/release", srv.auth.RequireSession(srv.handleRelease))
	mux.Handle("/api/v1/reservation/keep_alive", srv.auth.RequireSession(srv.handleKeepAlive))
	mux.Handle("/api/v1/reservation/active", srv.auth.RequireSession(srv.handleActive))
	mux.Handle("/api/v1/admin/users", srv.auth.RequireAdmin(srv.handleCreateUser))
	mux.Handle("/api/v1/admin/resources", srv.auth.RequireAdmin(srv.handleCreateResource))
	mux.Handle("/api/v1/admin/export", srv.auth.RequireAdmin(srv.handleExport))

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the composed handler; used by tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(r.URL.Path)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
