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

	"github.com/carewire/fhir-server/internal/config"
	"github.com/carewire/fhir-server/internal/platform/db"
	"github.com/carewire/fhir-server/internal/server"
	"github.com/carewire/fhir-server/internal/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "FHIR R4 Resource Server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clearCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and seed the search parameter catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, dialect, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx := context.Background()
			if err := db.Bootstrap(ctx, pool, dialect); err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}
			fmt.Printf("Schema ready on %s backend.\n", cfg.Backend)
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all resource data and reseed the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pool, dialect, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.ClearAll(context.Background(), pool, dialect); err != nil {
				return fmt.Errorf("clear failed: %w", err)
			}
			fmt.Println("All resource data cleared.")
			return nil
		},
	}
}

func connect() (*config.Config, *pgxpool.Pool, db.Dialect, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	dialect, err := db.NewDialect(cfg.Backend)
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, pool, dialect, nil
}

func runServer() error {
	cfg, pool, dialect, err := connect()
	if err != nil {
		return err
	}
	defer pool.Close()

	log := newLogger(cfg)
	ctx := context.Background()

	if err := db.Bootstrap(ctx, pool, dialect); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	if cfg.ClearDataOnStartup {
		log.Warn().Msg("clearing all resource data on startup")
		if err := db.ClearAll(ctx, pool, dialect); err != nil {
			return fmt.Errorf("startup clear failed: %w", err)
		}
	}

	engine := storage.NewEngine(pool, dialect, log, storage.Options{
		UseServerGeneratedIDs: cfg.UseServerGeneratedIDs,
	})
	handler := server.NewHandler(engine, pool, cfg.BaseURL, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	e.GET("/health", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "down"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "up"})
	})

	handler.RegisterRoutes(e.Group("/fhir/r4"))

	go func() {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("backend", cfg.Backend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return log
}
