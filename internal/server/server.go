// Package server wires the HTTP API: health probes, version, job
// submission and status, and the websocket push bridge.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/beaconproof/internal/errors"
	"github.com/3leaps/beaconproof/internal/observability"
	"github.com/3leaps/beaconproof/internal/server/handlers"
	"github.com/3leaps/beaconproof/internal/server/middleware"
)

// Server is the HTTP front end.
type Server struct {
	host   string
	port   int
	router chi.Router

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	submit       handlers.SubmitFunc
	jobs         handlers.JobReader
	pushEnabled  bool
	pushInterval time.Duration
	pprof        bool

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTimeouts sets the http.Server timeouts. Zero values keep the defaults.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// WithJobs mounts the job routes.
func WithJobs(submit handlers.SubmitFunc, jobs handlers.JobReader) Option {
	return func(s *Server) {
		s.submit = submit
		s.jobs = jobs
	}
}

// WithPush mounts GET /ws polling job state every interval. It requires
// WithJobs.
func WithPush(interval time.Duration) Option {
	return func(s *Server) {
		s.pushEnabled = true
		s.pushInterval = interval
	}
}

// WithPprof mounts the runtime profiler under /debug.
func WithPprof(enabled bool) Option {
	return func(s *Server) {
		s.pprof = enabled
	}
}

// New creates a server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("resource not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError("method not allowed"))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.submit != nil && s.jobs != nil {
		jobs := handlers.NewJobsHandler(s.submit, s.jobs)
		r.Post("/api/process/start", jobs.Start)
		r.Get("/api/process/status/{processId}", jobs.ProcessStatus)

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", jobs.Create)
			r.Get("/", jobs.List)
			r.Get("/{jobID}", jobs.Get)
		})

		if s.pushEnabled {
			r.Method(http.MethodGet, "/ws", handlers.NewPushHandler(s.jobs, s.pushInterval))
		}
	}

	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	return r
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	observability.ServerLogger.Info("HTTP server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
