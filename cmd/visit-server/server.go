package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/visitdoc/internal/config"
	"github.com/ehr/visitdoc/internal/domain/draft"
	"github.com/ehr/visitdoc/internal/domain/visit"
	"github.com/ehr/visitdoc/internal/platform/auth"
	"github.com/ehr/visitdoc/internal/platform/db"
	"github.com/ehr/visitdoc/internal/platform/middleware"
	"github.com/ehr/visitdoc/internal/platform/notification"
	"github.com/ehr/visitdoc/internal/platform/phi"
	"github.com/ehr/visitdoc/internal/platform/redis"
	"github.com/ehr/visitdoc/internal/platform/telemetry"
	"github.com/ehr/visitdoc/internal/platform/webhook"
	"github.com/ehr/visitdoc/internal/platform/websocket"
)

type server struct {
	echo     *echo.Echo
	visits   *visit.Service
	hub      *websocket.Hub
	webhooks *webhook.Manager
	metrics  *telemetry.Metrics
	closers  []func()
}

func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newServer wires stores, services and routes for cfg.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *server, err error) {
	srv := &server{metrics: telemetry.NewMetrics("visit-server")}
	defer func() {
		if err != nil {
			srv.Close()
		}
	}()
	var checks []db.Check

	// Visit store
	var store visit.Store
	var pool *pgxpool.Pool
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.DatabaseURL,
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "visit-server",
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		srv.closers = append(srv.closers, pool.Close)
		checks = append(checks, db.PoolCheck(pool))
		if err = srv.metrics.Register(poolCollectors(pool)...); err != nil {
			return nil, err
		}
		store = visit.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	case config.StoreMemory:
		store = visit.NewMemoryStore()
		logger.Warn().Msg("using in-memory visit store; data is lost on restart")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.PHIKeys != "" {
		var kr *phi.Keyring
		kr, err = phi.ParseKeyring(cfg.PHIKeys)
		if err != nil {
			return nil, err
		}
		store = visit.NewSealedStore(store, kr)
		logger.Info().Int("key_version", kr.CurrentVersion()).Msg("signature artifacts sealed at rest")
	} else {
		logger.Warn().Msg("PHI_KEYS not set; signature artifacts stored unencrypted")
	}

	// Draft store
	var drafts draft.Store
	if cfg.RedisURL != "" {
		var rdb *goredis.Client
		rdb, err = redis.NewRedis(ctx, redis.DefaultConfig(cfg.RedisURL))
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		srv.closers = append(srv.closers, func() { _ = rdb.Close() })
		checks = append(checks, db.Check{Name: "redis", Probe: redis.Probe(rdb)})
		drafts = draft.NewRedisStore(rdb, cfg.DraftTTL)
		logger.Info().Msg("connected to redis")
	} else {
		drafts = draft.NewMemoryStore(cfg.DraftTTL)
	}

	// Services
	srv.hub = websocket.NewHub(logger)
	notifications := notification.NewNotificationManager(
		notification.LogEmailSender{Logger: logger.With().Str("component", "email").Logger()},
		notification.NewTemplateEngine(),
	)

	srv.webhooks = webhook.NewManager(webhook.NewMemoryStore())
	dispatcher := webhook.NewDispatcher(srv.webhooks, logger, cfg.WebhookWorkers, 256, 15*time.Minute)
	srv.closers = append(srv.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := dispatcher.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("webhook deliveries cancelled at shutdown")
		}
	})

	srv.visits = visit.NewService(store, visit.FieldAccessGate(auth.DefaultFieldAccess()),
		visit.NewSignaturePolicy(cfg.PatientSignatureCredentials), logger)
	srv.visits.SetRecorder(srv.metrics)
	srv.visits.SetPublisher(visit.Publishers{
		visit.NewHubPublisher(srv.hub),
		visit.NewNotificationPublisher(notifications, srv.metrics),
		visit.NewWebhookPublisher(dispatcher),
	})

	draftSvc := draft.NewService(drafts, logger)
	draftSvc.SetRecorder(srv.metrics)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	srv.echo = e

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(srv.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", "Link", middleware.RequestIDHeader},
	}))

	e.GET("/health", db.HealthHandler(checks...))
	e.GET("/metrics", srv.metrics.Handler())
	if pool != nil {
		e.GET("/health/db", db.PoolStatsHandler(pool))
	}

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(auth.DevUser{
			ID:         cfg.DevUserID,
			Roles:      []string{cfg.DevUserRole},
			Credential: cfg.DevUserCredential,
		}, jwtCfg)
	}

	apiV1 := e.Group("/api/v1", authMW)
	visit.NewHandler(srv.visits).RegisterRoutes(apiV1)
	draft.NewHandler(draftSvc).RegisterRoutes(apiV1)
	notification.NewNotificationHandler(notifications).RegisterRoutes(apiV1)
	webhook.NewHandler(srv.webhooks).RegisterRoutes(apiV1.Group("/webhooks", auth.RequireRole(auth.RoleAdmin)))

	websocket.SetAllowedOrigins(cfg.CORSOrigins)
	websocket.NewHandler(srv.hub).RegisterRoutes(apiV1)

	return srv, nil
}

// poolCollectors exposes pgxpool statistics as gauges.
func poolCollectors(pool *pgxpool.Pool) []prometheus.Collector {
	gauge := func(name, help string, value func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return value(pool.Stat())
		})
	}
	return []prometheus.Collector{
		gauge("db_pool_total_conns", "Open connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("db_pool_acquired_conns", "Connections currently in use",
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("db_pool_idle_conns", "Idle connections",
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
	}
}
