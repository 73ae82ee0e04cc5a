package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/domain/testrun"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/middleware"
	"github.com/lis/lis/internal/platform/store"
	"github.com/lis/lis/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lis-server",
		Short:         "Laboratory test execution and result service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(runCmd())
	root.AddCommand(worklistCmd())
	root.AddCommand(deleteCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx := context.Background()
	metrics := telemetry.New(telemetry.Config{RuntimeCollectors: true})

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer be.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open message archive")
		return err
	}

	opts := []testrun.Option{
		testrun.WithLogger(logger),
		testrun.WithArchive(archive),
		testrun.WithMetrics(metrics),
		testrun.WithStrictInventory(cfg.StrictInventory),
	}
	if cfg.HL7ForwardAddr != "" {
		opts = append(opts, testrun.WithForwarder(hl7v2.NewForwarder(cfg.HL7ForwardAddr, cfg.HL7ForwardTimeout, logger)))
		logger.Info().Str("addr", cfg.HL7ForwardAddr).Msg("HL7 forwarding enabled")
	}
	svc := testrun.NewService(store.Observe(be.store, metrics.StoreCall), opts...)

	e := newEcho(cfg, logger, metrics, be, svc)

	// HL7v2 MLLP acknowledgment listener (optional, started when MLLP_ADDR is set)
	if cfg.MLLPAddr != "" {
		listener := hl7v2.NewListener(cfg.MLLPAddr, hl7v2.AcceptAll, logger)
		if err := listener.Start(); err != nil {
			logger.Error().Err(err).Msg("MLLP listener failed")
			return err
		}
		defer listener.Stop()
	}

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting LIS server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	return nil
}

// newEcho assembles the HTTP surface over an already wired service.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, be *backend, svc *testrun.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreDriver,
		})
	})
	if be.pool != nil {
		e.GET("/health/db", db.HealthHandler(db.PoolChecker{Pool: be.pool}))
	}
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	testrun.NewHandler(svc).RegisterRoutes(apiV1)
	hl7v2.NewHandler().RegisterRoutes(apiV1)
	return e
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
