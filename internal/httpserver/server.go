package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/obligate/fabric/internal/authn"
)

// Server holds HTTP server dependencies shared by every mounted domain
// handler. There is no CORS layer, health-probe endpoint, or exposed
// /metrics route here: those are deployment-surface concerns outside this
// module's scope, not things this module forgot.
type Server struct {
	Router  *chi.Mux
	APIRoot chi.Router // authenticated, tenant-scoped root for domain handlers to mount on
	Logger  *slog.Logger
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Metrics *prometheus.Registry
}

// NewServer creates the router, wires the common middleware chain, and
// exposes an authenticated, tenant-resolved sub-router for domain handlers.
func NewServer(logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, resolver authn.Resolver) *Server {
	s := &Server{
		Router:  chi.NewRouter(),
		Logger:  logger,
		DB:      db,
		Redis:   rdb,
		Metrics: metricsReg,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(30 * time.Second))

	s.Router.Route("/", func(r chi.Router) {
		r.Use(authn.Middleware(resolver, logger))
		s.APIRoot = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
