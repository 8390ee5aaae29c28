package server

import (
	"context"
	"errors"
	"sync"

	"backend-fleetroster/internal/auth"
	"backend-fleetroster/internal/config"
	"backend-fleetroster/internal/db"
	"backend-fleetroster/internal/events"
	"backend-fleetroster/internal/filter"
	"backend-fleetroster/internal/metrics"
	"backend-fleetroster/internal/presence"
	"backend-fleetroster/internal/roster"
	"backend-fleetroster/internal/sampler"
	"backend-fleetroster/internal/stream"
	"backend-fleetroster/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Store    *roster.Store
	Locator  *sampler.PushLocator
	Tracking *tracking.Service
	Stream   *stream.Hub
	Relay    *events.Relay
	Origin   string

	publisher events.Publisher
	postgres  *roster.PostgresBackend
	redis     *roster.RedisBackend

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the roster and its surfaces. q and redisClient are both
// optional; with neither, the roster lives in memory only.
func NewServer(cfg config.Config, q db.Querier, redisClient *redis.Client, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	origin := cfg.InstanceID
	if origin == "" {
		origin = uuid.NewString()
	}
	log = log.With(zap.String("instance", origin))

	policy, err := presence.PolicyByName(cfg.PresencePolicy)
	if err != nil {
		log.Warn("unknown presence policy, using standard", zap.String("policy", cfg.PresencePolicy))
		policy = presence.Standard
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Warn("metrics registration failed", zap.Error(err))
		m = metrics.NewUnregistered()
	}

	s := &Server{
		Cfg:      cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  m,
		Origin:   origin,
	}

	var backends roster.MultiBackend
	if q != nil {
		s.postgres = roster.NewPostgresBackend(q)
		backends = append(backends, s.postgres)
	}
	if redisClient != nil {
		s.redis = roster.NewRedisBackend(redisClient, origin)
		backends = append(backends, s.redis)
	}
	var backend roster.Backend
	if len(backends) > 0 {
		backend = backends
	}

	s.Store = roster.NewStore(backend, log, m, roster.Options{Origin: origin, Policy: policy})
	s.Locator = sampler.NewPushLocator()
	s.Tracking = tracking.NewService(s.Store, sampler.New(s.Locator, log, m), s.Locator, trackingConfig(cfg), log, m)
	s.Stream = stream.NewHub(s.Store, log, m).WithRefresh(cfg.ViewerRefresh)

	s.publisher = events.NewStubPublisher(log)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Warn("kafka producer unavailable, roster events will only be logged", zap.Error(err))
		} else {
			s.publisher = producer
		}
	}
	s.Relay = events.NewRelay(s.Store, s.publisher, origin, log, m)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())
	s.App = app

	registerRoutes(s)
	return s
}

func trackingConfig(cfg config.Config) tracking.Config {
	tc := tracking.DefaultConfig()
	tc.Filter = filter.DefaultConfig()
	if cfg.MinPublishInterval > 0 {
		tc.Filter.MinPublishInterval = cfg.MinPublishInterval
	}
	if cfg.MinUpdateDistanceM > 0 {
		tc.Filter.MinUpdateDistanceMeters = cfg.MinUpdateDistanceM
	}
	if cfg.AccuracyThresholdM > 0 {
		tc.Filter.AccuracyThresholdMeters = cfg.AccuracyThresholdM
	}
	if cfg.PublishFloor > 0 {
		tc.Filter.HardFloor = cfg.PublishFloor
	}
	if cfg.LivenessInterval > 0 {
		tc.LivenessInterval = cfg.LivenessInterval
	}
	return tc
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		if err := s.Store.Ping(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok", "instance": s.Origin})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)
	viewers := auth.RequireRole(auth.RoleDispatcher, auth.RoleAdmin)

	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, jwtMiddleware)
	roster.RegisterRoutes(s.App.Group("/roster"), s.Store, jwtMiddleware, viewers)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, jwtMiddleware, viewers)
}

// Start loads the persisted roster and launches the background loops. A
// backend that cannot be reached is logged and skipped.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	switch {
	case s.postgres != nil:
		if err := s.postgres.EnsureSchema(ctx); err != nil {
			s.Logger.Warn("roster schema", zap.Error(err))
		} else {
			s.load(ctx, s.postgres, "postgres")
		}
	case s.redis != nil:
		s.load(ctx, s.redis, "redis")
	}

	if s.redis != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Store.Follow(ctx, s.redis); err != nil && ctx.Err() == nil {
				s.Logger.Warn("roster follow stopped", zap.Error(err))
			}
		}()
	}

	s.Relay.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Stream.Run(ctx)
	}()
}

func (s *Server) load(ctx context.Context, l roster.Loader, name string) {
	if _, err := s.Store.Load(ctx, l); err != nil {
		s.Logger.Warn("roster load failed", zap.String("backend", name), zap.Error(err))
	}
}

// Shutdown stops every tracking session while the backends are still up so
// offline publishes land, then stops the background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Tracking.Shutdown(ctx)
	s.Relay.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return errors.Join(err, s.publisher.Close())
}
