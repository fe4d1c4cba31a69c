package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirgw/fhirgw/internal/config"
	"github.com/fhirgw/fhirgw/internal/gateway"
	"github.com/fhirgw/fhirgw/internal/platform/audit"
	"github.com/fhirgw/fhirgw/internal/platform/auth"
	"github.com/fhirgw/fhirgw/internal/platform/middleware"
	"github.com/fhirgw/fhirgw/internal/platform/registry"
	"github.com/fhirgw/fhirgw/internal/platform/storage"
)

const cleanupInterval = 5 * time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "gateway-server",
		Short: "Multi-platform SMART on FHIR gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(platformsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func platformsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platforms",
		Short: "Manage platform definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured platforms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := zerolog.Nop()
			reg, err := registry.Load(cfg.PlatformsDir, logger)
			if err != nil {
				return err
			}

			fmt.Printf("%-20s %-30s %s\n", "ID", "NAME", "OAUTH")
			for _, def := range reg.All() {
				oauth := "no"
				if def.OAuth != nil {
					oauth = "yes"
					if def.OAuth.ClientID == "" {
						oauth = "missing client_id"
					}
				}
				fmt.Printf("%-20s %-30s %s\n", def.ID, def.Name, oauth)
			}
			return nil
		},
	})

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Storage backend
	var backend storage.Backend
	if cfg.RedisURL != "" {
		redisBackend, err := storage.NewRedisBackend(cfg.RedisURL, cfg.RequireRedisTLS, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		backend = redisBackend
		logger.Info().Msg("connected to redis")
	} else {
		backend = storage.NewMemoryBackend()
		logger.Warn().Msg("no REDIS_URL configured, using in-memory storage (single instance only)")
	}
	defer backend.Close()

	// Audit sinks
	var auditLog audit.Logger = audit.NewZerologSink(logger)
	if cfg.AuditDatabaseURL != "" {
		pgSink, err := audit.NewPGSink(ctx, cfg.AuditDatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect audit database")
		}
		defer pgSink.Close()
		auditLog = audit.Multi{auditLog, pgSink}
		logger.Info().Msg("audit events persisted to database")
	}

	// Session cipher
	var cipher *auth.SessionCipher
	if cfg.MasterKey != "" {
		cipher, err = auth.NewSessionCipher(cfg.MasterKey, cfg.SecondaryMasterKeys, cfg.PBKDF2Iterations)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize session cipher")
		}
	}

	// Platform registry
	reg, err := registry.Load(cfg.PlatformsDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load platform definitions")
	}

	// Session store and token manager
	store := auth.NewSecureSessionStore(backend, cipher, cfg.SessionTTL(), auditLog, logger)

	oauthFor := func(platformID string) (*auth.OAuthService, error) {
		return auth.NewOAuthService(reg, platformID, cfg.OAuthRedirectURI, nil, logger)
	}

	manager := auth.NewSessionTokenManager(store, backend, oauthFor, auditLog, logger, auth.ManagerConfig{
		RefreshBuffer: cfg.TokenRefreshBuffer(),
		LockTTL:       cfg.RefreshLockTTL(),
		WaitTimeout:   cfg.AuthWaitTimeout(),
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	// Routes
	handler := gateway.NewHandler(manager, store, reg, oauthFor, auditLog, logger, cfg.IsProduction())
	handler.RegisterRoutes(e)

	// Background session cleanup sweep: the single long-lived loop.
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				removed, err := manager.CleanupExpiredSessions(cleanupCtx)
				if err != nil {
					logger.Warn().Err(err).Msg("session cleanup sweep failed")
					continue
				}
				if removed > 0 {
					logger.Info().Int("removed", removed).Msg("session cleanup sweep")
				}
			}
		}
	}()

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("gateway server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
