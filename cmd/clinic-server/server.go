package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/dental/clinic/internal/config"
	"github.com/dental/clinic/internal/domain/patient"
	"github.com/dental/clinic/internal/domain/request"
	"github.com/dental/clinic/internal/domain/scheduling"
	"github.com/dental/clinic/internal/platform/auth"
	"github.com/dental/clinic/internal/platform/db"
	"github.com/dental/clinic/internal/platform/middleware"
	"github.com/dental/clinic/internal/platform/telemetry"
)

const (
	version        = "0.1.0"
	requestTimeout = 30 * time.Second
	intakeBodySize = "64K"
)

// routes is everything newRouter mounts.
type routes struct {
	requests     *request.Handler
	patients     *patient.Handler
	appointments *scheduling.Handler
	db           db.Pinger
	poolStats    func() *db.PoolStats
}

func newRouter(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, r routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Tracing())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Metrics(metrics))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "traceparent", "tracestate"},
		ExposeHeaders: []string{middleware.RequestIDHeader, middleware.TraceIDHeader},
	}))
	e.Use(middleware.RequestTimeout(requestTimeout, func(path string) bool {
		return strings.HasPrefix(path, "/metrics")
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if r.db != nil {
		e.GET("/health/db", db.HealthHandler(r.db, r.poolStats))
	}
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	api := e.Group("/api/v1")
	public := api.Group("/public")
	intake := []echo.MiddlewareFunc{
		middleware.BodyLimit(intakeBodySize),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
		}),
	}

	r.requests.RegisterRoutes(api, public, intake...)
	r.patients.RegisterRoutes(api)
	r.appointments.RegisterRoutes(api)
	return e
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise")
		return err
	}
	defer a.Close()
	logger.Info().Str("timezone", cfg.ClinicTimezone).Str("sequence", cfg.SequenceStrategy).Msg("connected to database")

	e := newRouter(cfg, logger, a.metrics, routes{
		requests:     request.NewHandler(a.requests),
		patients:     patient.NewHandler(a.patients),
		appointments: scheduling.NewHandler(a.appointments),
		db:           a.pool,
		poolStats:    func() *db.PoolStats { return db.GetPoolStats(a.pool) },
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
