package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/infra/auth"
	"github.com/xela07ax/chatgate/internal/plugins"
)

// GroupSource — то, что API нужно от кэша групп.
type GroupSource interface {
	Groups() []domain.Identity
	Peek(groupID domain.Identity) (*domain.GroupSnapshot, bool)
	Snapshot(ctx context.Context, groupID domain.Identity) (*domain.GroupSnapshot, error)
	Invalidate(groupID domain.Identity)
}

// ElevatedManager — управление привилегированными идентичностями.
type ElevatedManager interface {
	Identities() []domain.Identity
	Grant(ctx context.Context, id domain.Identity) error
	Revoke(ctx context.Context, id domain.Identity) error
}

// StatsSource — агрегаты журнала команд.
type StatsSource interface {
	Stats(ctx context.Context, window time.Duration) (*domain.DispatchStats, error)
}

// Deps — зависимости административного API. Stats и Fanout необязательны.
type Deps struct {
	Status   func() domain.Status
	Registry *plugins.Registry
	Reloader plugins.Reloader
	Groups   GroupSource
	Elevated ElevatedManager
	Stats    StatsSource
	// Fanout: сигналы reload/invalidate идут через Redis на все инстансы, включая этот
	Fanout   *redis.Client
	Gatherer prometheus.Gatherer
}

// Server — административный HTTP API шлюза.
type Server struct {
	router    *chi.Mux
	logger    *zap.Logger
	validator auth.TokenValidator
	deps      Deps
}

// NewServer собирает роутер. Без validator защищенные роуты не монтируются.
func NewServer(validator auth.TokenValidator, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("admin-api"),
		validator: validator,
		deps:      deps,
	}
	if deps.Gatherer == nil {
		s.deps.Gatherer = prometheus.DefaultGatherer
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.health)
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	})

	if s.validator == nil {
		s.logger.Warn("admin public key is not configured, protected routes are disabled")
		return
	}

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 + gateway.admin) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, auth.ScopeAdmin, s.logger))

		r.Get("/v1/status", s.status)
		r.Get("/v1/stats", s.stats)

		r.Route("/v1/commands", func(r chi.Router) {
			r.Get("/", s.listCommands)
			r.Post("/reload", s.reloadCommands)
		})

		r.Route("/v1/groups", func(r chi.Router) {
			r.Get("/", s.listGroups)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getGroup)
				r.Post("/invalidate", s.invalidateGroup)
			})
		})

		r.Route("/v1/elevated", func(r chi.Router) {
			r.Get("/", s.listElevated)
			r.Post("/", s.grantElevated)
			r.Delete("/{id}", s.revokeElevated)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
