// Package api is the device's local HTTP API.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"envnode/internal/auth"
	"envnode/internal/events"
	"envnode/internal/logger"
)

// Options configures the API server.
type Options struct {
	Version string
	NoAuth  bool
	// UploadDir stages firmware uploads; empty means the OS temp dir.
	UploadDir     string
	MaxUploadSize int64
}

// Deps are the components the API exposes. Updater may be nil.
type Deps struct {
	Device  Device
	Events  *events.Store
	Updater Updater
	JWT     *auth.JWTManager
	Hub     *TelemetryHub
	Log     *logger.Logger
}

// Server represents the API server
type Server struct {
	router  *chi.Mux
	opts    Options
	deps    Deps
	authMw  *auth.Middleware
	tokens  *auth.WSTokenStore
	limiter *auth.RateLimiter
}

// NewServer creates the API server. Call Close when done.
func NewServer(opts Options, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Hub == nil {
		deps.Hub = NewTelemetryHub(deps.Log)
	}

	s := &Server{
		router:  chi.NewRouter(),
		opts:    opts,
		deps:    deps,
		authMw:  auth.NewMiddleware(deps.JWT, opts.NoAuth),
		tokens:  auth.NewWSTokenStore(),
		limiter: auth.NewUploadRateLimiter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	statusHandler := NewStatusHandler(s.deps.Device, s.opts.Version, s.tokens)
	eventsHandler := NewEventsHandler(s.deps.Events)
	updateHandler := NewUpdateHandler(s.deps.Updater, s.limiter, s.opts.UploadDir, s.opts.MaxUploadSize, s.deps.Log.Named("ota"))
	telemetryHandler := NewTelemetryHandler(s.deps.Hub, s.tokens, s.opts.NoAuth, s.deps.Log.Named("ws"))

	// Public routes
	r.Get("/healthz", statusHandler.Health)
	r.Get("/ws/telemetry", telemetryHandler.Connect)

	r.Group(func(r chi.Router) {
		r.Use(s.authMw.RequireAuth)

		r.Get("/api/auth/me", statusHandler.Me)
		r.Get("/api/auth/ws-token", statusHandler.WSToken)

		r.Get("/api/status", statusHandler.Status)
		r.Get("/api/events", eventsHandler.List)

		r.Get("/api/ota/version", updateHandler.Version)
		r.Get("/api/ota/check", updateHandler.Check)
		r.Get("/api/ota/status", updateHandler.Status)
		r.Get("/api/ota/history", updateHandler.History)

		r.Group(func(r chi.Router) {
			r.Use(s.authMw.RequireAdmin)
			r.Post("/api/ota/update", updateHandler.Perform)
			r.Post("/api/ota/upload", updateHandler.Upload)
		})
	})
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Close stops background cleanup goroutines.
func (s *Server) Close() {
	s.tokens.Close()
	s.limiter.Close()
}

// requestLogger logs each request at debug level, errors at warn.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	log := s.deps.Log.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"ip", getClientIP(r),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			log.Warnw("HTTP request failed", fields...)
			return
		}
		log.Debugw("HTTP request", fields...)
	})
}
