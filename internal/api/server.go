// Package api wires the Control API: configuration CRUD, task lifecycle
// management, and a Server-Sent Events push feed, all backed by the config
// loader and task supervisor.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kestrelweb/novelforge/internal/logger"
	"github.com/kestrelweb/novelforge/internal/supervisor"
	"github.com/kestrelweb/novelforge/pkg/config"
	"github.com/kestrelweb/novelforge/pkg/fetcher"
)

const (
	readTimeout       = 15 * time.Second
	writeTimeout      = 0 // SSE streams hold the connection open indefinitely
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server wraps the chi router and the underlying http.Server.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
}

// NewServer builds the router with the full middleware chain and mounts the
// configs, tasks, and events route groups.
func NewServer(addr string, loader *config.Loader, sup *supervisor.Supervisor) *Server {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.CleanPath)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]string{"status": "ok"})
	})

	configsH := newConfigsHandler(loader, fetcher.New(fetcher.DefaultHTTPConfig()))
	tasksH := newTasksHandler(sup)

	// The request timeout covers the REST routes only; /events streams stay open.
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(60 * time.Second))
		r.Route("/configs", configsH.routes)
		r.Route("/tasks", tasksH.routes)
	})

	eventsH := newEventsHandler(sup)
	r.Get("/events", eventsH.serveHTTP)

	return &Server{
		router: r,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	logger.Info("control API starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting up to timeout for in-flight
// requests to finish. Open SSE streams are not interrupted, so while one is
// connected Shutdown waits the full timeout and returns the context error.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs each request at Debug level once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.DebugContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}
