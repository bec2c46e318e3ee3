package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/consent/internal/config"
	"github.com/ehr/consent/internal/domain/consent"
	"github.com/ehr/consent/internal/platform/auth"
	"github.com/ehr/consent/internal/platform/db"
	"github.com/ehr/consent/internal/platform/middleware"
	"github.com/ehr/consent/internal/platform/notification"
)

const (
	version       = "0.1.0"
	healthTimeout = 2 * time.Second
)

type server struct {
	echo    *echo.Echo
	closers []func()
}

// Close releases the store pool and notification sink in reverse order.
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// alwaysUp stands in for the database pinger when contracts live in memory.
type alwaysUp struct{}

func (alwaysUp) Ping(context.Context) error { return nil }

func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}

	// Stores
	var (
		stores   consent.Stores
		dbPinger db.Pinger = alwaysUp{}
		dbStats  func() *db.PoolStats
	)
	if cfg.UsesMemoryStore() {
		backend := consent.NewMemoryBackend()
		backend.Parties.Open = true
		stores = backend.Stores()
		logger.Warn().Msg("using in-memory consent store, contracts are lost on restart")
	} else {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:              cfg.DatabaseURL,
			MaxConns:         cfg.DBMaxConns,
			MinConns:         cfg.DBMinConns,
			StatementTimeout: cfg.StoreTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		srv.closers = append(srv.closers, pool.Close)
		logger.Info().Msg("connected to database")
		stores = consent.NewPGStores(pool)
		dbPinger = pool
		dbStats = func() *db.PoolStats { return db.GetPoolStats(pool) }
	}

	// Notifications
	var sink notification.Sink = notification.NewLogSink(logger)
	var redisSink *notification.RedisSink
	if cfg.RedisURL != "" {
		rs, err := notification.NewRedisSink(cfg.RedisURL, cfg.NotifyChannel)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("connect notification sink: %w", err)
		}
		srv.closers = append(srv.closers, func() { _ = rs.Close() })
		redisSink = rs
		sink = rs
		logger.Info().Str("channel", cfg.NotifyChannel).Msg("publishing notifications to redis")
	}
	dispatcher := notification.NewDispatcher(sink)

	svc := consent.NewService(stores, dispatcher, logger, consent.WithStoreTimeout(cfg.StoreTimeout))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(dbPinger, healthTimeout, dbStats))
	if redisSink != nil {
		e.GET("/health/notifications", db.HealthHandler(redisSink, healthTimeout, nil))
	}

	api := e.Group("/api/v1")
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	api.Use(middleware.RateLimit(rl))

	consent.NewHandler(svc).RegisterRoutes(api)
	notification.NewHandler(dispatcher).RegisterRoutes(api.Group("", auth.RequireRole(auth.RoleConsentManager)))

	srv.echo = e
	return srv, nil
}
