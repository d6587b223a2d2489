// Package api exposes the survey over HTTP.
//
// Routes are mounted on a chi router with CORS for the embedded web form.
// Every response uses the models.APIResponse envelope.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	DefaultAddr           = ":8080"
	DefaultRequestTimeout = 90 * time.Second
	// MaxBodyBytes bounds request bodies; a full step is far smaller.
	MaxBodyBytes = 256 << 10
)

// SurveyService runs survey sessions. *flow.Engine implements it.
type SurveyService interface {
	Start(ctx context.Context, formID string, tracking map[string]string) (*models.StepPayload, error)
	Submit(ctx context.Context, sessionID string, req models.SubmitRequest) (*models.SubmitResult, error)
	Abandon(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (*models.StatusSummary, error)
	Resume(ctx context.Context, sessionID string) (*models.SubmitResult, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	survey         SurveyService
	health         Pinger
	metrics        *metrics.Metrics
	addr           string
	allowedOrigins []string
	requestTimeout time.Duration
	router         chi.Router
	httpServer     *http.Server
}

// Option configures a Server.
type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithAllowedOrigins sets the CORS origins allowed to embed the form.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewServer creates a Server. health and m may be nil.
func NewServer(survey SurveyService, health Pinger, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		survey:         survey,
		health:         health,
		metrics:        m,
		addr:           DefaultAddr,
		allowedOrigins: []string{"*"},
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/forms/{formID}/sessions", s.startHandler)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.statusHandler)
			r.Post("/responses", s.submitHandler)
			r.Post("/abandon", s.abandonHandler)
			r.Post("/resume", s.resumeHandler)
		})
	})
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until Shutdown is called. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.requestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	slog.Info("Server.Start: listening", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}
