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

	"github.com/oncaudit/oncaudit/internal/config"
	"github.com/oncaudit/oncaudit/internal/domain/compliance"
	"github.com/oncaudit/oncaudit/internal/domain/engine"
	"github.com/oncaudit/oncaudit/internal/domain/episode"
	"github.com/oncaudit/oncaudit/internal/domain/export"
	"github.com/oncaudit/oncaudit/internal/domain/staging"
	"github.com/oncaudit/oncaudit/internal/platform/db"
	"github.com/oncaudit/oncaudit/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "audit-server",
		Short: "Surgical oncology audit engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recomputeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// recomputeCmd re-annotates a cohort from the command line after a staging
// or rule table change, without going through the HTTP surface.
func recomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Re-annotate episodes in bulk",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			_, engineSvc, err := buildServices(cfg, pool, logger)
			if err != nil {
				return err
			}

			n, err := engineSvc.RecomputeByState(ctx, episode.LifecycleState(state))
			if err != nil {
				return fmt.Errorf("recompute failed after %d episode(s): %w", n, err)
			}
			fmt.Printf("Recomputed %d episode(s).\n", n)
			return nil
		},
	}
	cmd.Flags().String("state", string(episode.StateAnnotated), "Lifecycle state of episodes to recompute")
	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildServices wires the derivation stack: staging tables and the rule
// table (built-in defaults, optionally overridden from YAML files), the
// engine, and the record-keeping and pipeline services.
func buildServices(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*episode.Service, *engine.Service, error) {
	stagingTables := staging.DefaultTables()
	if cfg.StagingTableFile != "" {
		loaded, err := staging.LoadTablesYAML(cfg.StagingTableFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load staging tables: %w", err)
		}
		// Loaded tables override the built-ins for the same edition.
		stagingTables = append(stagingTables, loaded...)
		logger.Info().Str("file", cfg.StagingTableFile).Int("tables", len(loaded)).Msg("staging table overrides loaded")
	}
	calc, err := staging.NewCalculator(stagingTables)
	if err != nil {
		return nil, nil, err
	}

	ruleTable := compliance.DefaultTable()
	if cfg.RuleTableFile != "" {
		ruleTable, err = compliance.LoadTableYAML(cfg.RuleTableFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load rule table: %w", err)
		}
		logger.Info().Str("file", cfg.RuleTableFile).Str("version", ruleTable.Version).Msg("rule table loaded")
	}
	validator, err := compliance.NewValidator(ruleTable, cfg.CompletenessThreshold)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(calc, validator, cfg.RecomputeWorkers)
	if err != nil {
		return nil, nil, err
	}

	// Multi-row mutations share one transaction via the context; the repos
	// pick it up through db.ConnFromContext.
	txRunner := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}

	episodeRepo := episode.NewEpisodeRepoPG(pool)
	episodeSvc := episode.NewService(
		episodeRepo,
		episode.NewTreatmentRepoPG(pool),
		episode.NewTumourRepoPG(pool),
		episode.NewVitalsRepoPG(pool),
		txRunner,
	)
	engineSvc := engine.NewService(
		eng,
		episodeSvc,
		episodeRepo,
		episode.NewExportRepoPG(pool),
		export.SchemaVersion(cfg.DefaultSchemaVersion),
		txRunner,
		logger,
	)
	return episodeSvc, engineSvc, nil
}

func runServer() error {
	// Logger
	logger := newLogger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	episodeSvc, engineSvc, err := buildServices(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// API group
	api := e.Group("/api")
	episode.NewHandler(episodeSvc).RegisterRoutes(api)
	engine.NewHandler(engineSvc).RegisterRoutes(api)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
