package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/authz/internal/config"
	"github.com/ehr/authz/internal/platform/auth"
	"github.com/ehr/authz/internal/platform/db"
	"github.com/ehr/authz/internal/platform/idp"
	"github.com/ehr/authz/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "authz-server",
		Short: "SMART on FHIR authorization server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the authorization schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrate")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Bootstrap(ctx, pool); err != nil {
				return err
			}
			fmt.Println("Schema applied successfully.")
			return nil
		},
	}
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

	// Identity provider admin client
	adminClient := idp.NewAdminClient(idp.Options{
		BaseURL:      cfg.IDPURL,
		Realm:        cfg.IDPRealm,
		ClientID:     cfg.IDPAdminClientID,
		ClientSecret: cfg.IDPAdminClientSecret,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:       logger,
	})

	// Launch-context store and patient-link directory. With a database the
	// durable implementations are used; otherwise the in-memory ones.
	var (
		launchStore auth.LaunchContextStorer
		links       auth.PatientLinkDirectory
		dbPool      *pgxpool.Pool
	)

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		if err := db.Bootstrap(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply schema")
		}

		pgStore := auth.NewPGLaunchContextStoreFromPool(pool, auth.LaunchContextTTL)
		pgStore.SetLogger(logger)
		pgStore.Start(ctx)
		defer pgStore.Stop()
		launchStore = pgStore
		links = auth.NewPGPatientLinkDirectory(pool)
		dbPool = pool
	} else {
		logger.Warn().Msg("DATABASE_URL not set; using in-memory launch-context store")
		memStore := auth.NewLaunchContextStore(auth.LaunchContextTTL, nil)
		memStore.Start(ctx)
		defer memStore.Stop()
		launchStore = memStore
		links = auth.NewMemoryPatientLinkDirectory()
	}

	// Authorization core
	orch := auth.NewOrchestrator(auth.OrchestratorConfig{
		IssuerURL:     cfg.IssuerURL(),
		ClientSecret:  cfg.OAuthClientSecret,
		FHIRServerURL: cfg.FHIRServerURL,
		APIPrefix:     cfg.APIPrefix,
	}, adminClient, launchStore, &http.Client{Timeout: cfg.HTTPTimeout}, logger)

	engine := auth.NewEngine(links)
	mfa := auth.NewMFAManager(adminClient, cfg.IDPRealm)
	handler := auth.NewHandler(orch, engine, mfa, adminClient, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if dbPool != nil {
		e.GET("/health/db", db.HealthHandler(dbPool))
	}

	api := e.Group(cfg.APIPrefix)
	handler.RegisterPublicRoutes(api)

	protected := e.Group(cfg.APIPrefix)
	if cfg.IsDev() && cfg.AuthJWKSURL == "" {
		protected.Use(auth.DevAuthMiddleware())
	} else {
		protected.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.IssuerURL(),
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}
	handler.RegisterProtectedRoutes(protected)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("authorization server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
