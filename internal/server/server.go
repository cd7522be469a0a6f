// Package server exposes the continuous session over a small HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Controller is satisfied by *session.Session.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Commit(ctx context.Context) <-chan session.CommitOutcome
	Status() session.Status
	Gallery() *gallery.Gallery
}

// AttendanceLister is satisfied by *store.Store.
type AttendanceLister interface {
	List(ctx context.Context, date time.Time) ([]store.Record, error)
}

type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	session    Controller
	store      AttendanceLister
	logger     *slog.Logger
	now        func() time.Time
}

func New(addr string, sess Controller, st AttendanceLister, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{
		router:  r,
		session: sess,
		store:   st,
		logger:  logger,
		now:     time.Now,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // a synchronous commit may take a while
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", healthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", s.getSession)
		r.Post("/session/start", s.startSession)
		r.Post("/session/stop", s.stopSession)
		r.Post("/session/commit", s.commitSession)

		r.Get("/gallery", s.getGallery)
		r.Get("/attendance", s.listAttendance)
	})
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("control API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
