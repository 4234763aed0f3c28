package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/metergate/meterproxy/internal/authgate"
)

// Server holds the HTTP server dependencies. Unlike the teacher's
// tenant-scoped surface, meterproxy has exactly two route groups: the
// metered JSON-RPC ingress (authenticated by X-API-Key, mounted by the
// caller directly on Router) and the admin surface (authenticated by
// X-Admin-Key, mounted on AdminRouter).
type Server struct {
	Router      *chi.Mux
	AdminRouter chi.Router

	Logger    *slog.Logger
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// Config configures the HTTP server's CORS policy.
type Config struct {
	CORSAllowedOrigins []string
}

// NewServer creates the HTTP server, wires global middleware and the
// health/metrics/admin endpoints, and returns it ready for the caller to
// mount the RPC ingress and any admin sub-routes.
func NewServer(cfg Config, logger *slog.Logger, rdb *redis.Client, metricsReg *prometheus.Registry, adminAuth *authgate.AdminAuthenticator) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key", "X-Admin-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth.Middleware)
		s.AdminRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.Redis != nil {
		if err := s.Redis.Ping(r.Context()).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
			return
		}
	}
	Respond(w, http.StatusOK, map[string]string{
		"status":         "ready",
		"uptime_seconds": time.Since(s.startedAt).String(),
	})
}
