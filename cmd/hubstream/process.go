// cmd/hubstream/process.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hubstream/internal/alerting"
	"hubstream/internal/config"
	"hubstream/internal/database"
	"hubstream/internal/handler"
	"hubstream/internal/metrics"
	"hubstream/internal/normalizer"
	"hubstream/internal/repository"
	"hubstream/internal/routes"
	"hubstream/internal/service"
	"hubstream/internal/utils"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Serve the downstream event API and write points to the store",
	Long: `Accept enriched events from the ingest process over HTTP, normalize
them into typed points and write them to the configured storage backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer utils.CloseLogger(logger)

		if err := cfg.ValidateProcess(); err != nil {
			return fmt.Errorf("invalid process configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := NewProcessApplication(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		return app.Run(ctx)
	},
}

// ProcessApplication wires the store-side half of the pipeline
type ProcessApplication struct {
	config   *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	database *database.DB
	repo     repository.PointRepository
	writer   *service.WriterService
	server   *http.Server
}

// NewProcessApplication opens the storage backend and builds the writer and
// HTTP server
func NewProcessApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ProcessApplication, error) {
	app := &ProcessApplication{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	notifier, err := newNotifier(&cfg.Alerting, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alerting: %w", err)
	}

	if err := app.initializeStorage(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initializeWriter(ctx, notifier); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize writer: %w", err)
	}

	app.initializeServer()

	utils.NewServiceLogger(logger, "process").LogServiceStart(Version, map[string]interface{}{
		"address":     cfg.GetServerAddr(),
		"backend":     cfg.Storage.Backend,
		"measurement": cfg.Writer.Measurement,
		"max_size":    cfg.Writer.MaxSize,
		"max_age":     cfg.Writer.MaxAge.String(),
	})
	return app, nil
}

// initializeStorage opens the configured point store
func (app *ProcessApplication) initializeStorage(ctx context.Context) error {
	switch app.config.Storage.Backend {
	case "postgres":
		db, err := database.NewConnection(ctx, &app.config.Database, app.logger)
		if err != nil {
			return err
		}
		app.database = db

		if app.config.Database.AutoMigrate {
			migrator := database.NewMigrator(db, app.logger, &app.config.Database)
			if err := migrator.Up(); err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
		}
		app.repo = repository.NewPostgresPointRepository(db, app.logger)

	case "line_protocol":
		repo, err := repository.NewLineProtocolRepository(app.config.Storage.LineProtocol, app.logger)
		if err != nil {
			return err
		}
		app.repo = repo

	case "memory":
		app.logger.Warn("Using in-memory point store, points are not persisted")
		app.repo = repository.NewMemoryPointRepository()

	default:
		return fmt.Errorf("unknown storage backend %q", app.config.Storage.Backend)
	}

	app.logger.Info("Storage initialized", zap.String("backend", app.config.Storage.Backend))
	return nil
}

func (app *ProcessApplication) initializeWriter(ctx context.Context, notifier alerting.Notifier) error {
	norm := normalizer.New(app.config.Writer.Measurement, normalizer.NewTypeTable(), app.logger, app.metrics)
	app.writer = service.NewWriterService(app.config.Writer, norm, app.repo, notifier, app.logger, app.metrics)

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return app.writer.LoadFieldTypes(loadCtx)
}

func (app *ProcessApplication) initializeServer() {
	router := routes.NewRouter(app.config, app.logger, app.metrics, app.writer, app.healthChecks()...)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router.Handler(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
}

func (app *ProcessApplication) healthChecks() []handler.Check {
	checks := []handler.Check{
		{
			Name:     "writer",
			Critical: true,
			Probe: func(ctx context.Context) (map[string]interface{}, error) {
				stats := app.writer.Stats()
				data := map[string]interface{}{
					"events_accepted": stats.EventsAccepted,
					"events_rejected": stats.EventsRejected,
					"points_written":  stats.PointsWritten,
					"points_pending":  stats.PointsPending,
					"type_conflicts":  stats.TypeConflicts,
					"store_errors":    stats.StoreErrors,
				}
				return data, app.writer.Ready(ctx)
			},
		},
	}

	if app.database != nil {
		checks = append(checks, handler.Check{
			Name: "database_stats",
			Probe: func(context.Context) (map[string]interface{}, error) {
				stats := app.database.GetStats()
				return map[string]interface{}{
					"open_connections": stats.OpenConnections,
					"in_use":           stats.InUse,
					"idle":             stats.Idle,
					"wait_count":       stats.WaitCount,
				}, nil
			},
		})
	}
	return checks
}

// Run serves until ctx ends. On shutdown the server stops accepting
// requests first, then the writer flushes its pending points.
func (app *ProcessApplication) Run(ctx context.Context) error {
	writerDone := make(chan error, 1)
	go func() {
		writerDone <- app.writer.Run(context.Background())
	}()

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(app.config.Server.TLS.CertFile, app.config.Server.TLS.KeyFile)
		} else {
			err = app.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("Received shutdown signal")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-writerDone:
		// Run only returns early on an accumulator failure
		runErr = fmt.Errorf("writer stopped: %w", err)
		writerDone <- nil
	}

	utils.NewServiceLogger(app.logger, "process").LogServiceStop("shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(app.config))
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	if err := app.writer.Close(shutdownCtx); err != nil {
		app.logger.Error("Writer close error", zap.Error(err))
	}

	select {
	case err := <-writerDone:
		if err != nil {
			app.logger.Error("Writer stopped with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		app.logger.Error("Writer did not drain before the shutdown timeout")
	}

	stats := app.writer.Stats()
	app.logger.Info("Process stopped",
		zap.Int64("points_written", stats.PointsWritten),
		zap.Int("points_pending", stats.PointsPending),
	)
	return runErr
}

// Close releases the point store and the database connection
func (app *ProcessApplication) Close() {
	if app.repo != nil {
		if err := app.repo.Close(); err != nil {
			app.logger.Error("Point store close error", zap.Error(err))
		}
	}

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}
}
