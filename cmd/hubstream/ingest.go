// cmd/hubstream/ingest.go
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
	"golang.org/x/sync/errgroup"

	"hubstream/internal/alerting"
	"hubstream/internal/batch"
	"hubstream/internal/config"
	"hubstream/internal/deadletter"
	"hubstream/internal/enrichment"
	"hubstream/internal/forwarder"
	"hubstream/internal/handler"
	"hubstream/internal/metrics"
	"hubstream/internal/model"
	"hubstream/internal/processor"
	"hubstream/internal/protocol"
	"hubstream/internal/routes"
	"hubstream/internal/utils"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Stream hub events to the downstream processor",
	Long: `Connect to the hub, enrich every state change and forward the events
in batches to the downstream processor behind a circuit breaker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer utils.CloseLogger(logger)

		if err := cfg.ValidateIngest(); err != nil {
			return fmt.Errorf("invalid ingest configuration: %w", err)
		}

		app, err := NewIngestApplication(cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return app.Run(ctx)
	},
}

// IngestApplication wires the hub-side half of the pipeline
type IngestApplication struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	manager     *protocol.Manager
	weather     *enrichment.Cache[*model.WeatherSnapshot]
	metadata    *enrichment.Cache[*model.DeviceMetadata]
	processor   *processor.Processor
	accumulator *batch.Accumulator[*model.CanonicalEvent]
	breaker     *forwarder.Breaker
	forwarder   *forwarder.Forwarder
	deadLetters *deadletter.BoltStore
	server      *http.Server
}

// NewIngestApplication builds every ingest component from configuration
func NewIngestApplication(cfg *config.Config, logger *zap.Logger) (*IngestApplication, error) {
	app := &IngestApplication{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	notifier, err := newNotifier(&cfg.Alerting, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize alerting: %w", err)
	}

	app.initializeConnection()

	if err := app.initializeEnrichment(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize enrichment: %w", err)
	}

	app.initializeProcessor()

	if err := app.initializeForwarder(notifier); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize forwarder: %w", err)
	}

	app.initializeStatusServer()

	utils.NewServiceLogger(logger, "ingest").LogServiceStart(Version, map[string]interface{}{
		"hub_url":        cfg.Hub.URL,
		"event_types":    cfg.Hub.EventTypes,
		"downstream_url": cfg.Forwarder.URL,
		"workers":        cfg.Forwarder.Workers,
		"batch_max_size": cfg.Batch.MaxSize,
		"batch_max_age":  cfg.Batch.MaxAge.String(),
	})
	return app, nil
}

func (app *IngestApplication) initializeConnection() {
	hub := app.config.Hub
	dialer := protocol.NewWebSocketDialer(hub.DialTimeout, hub.WriteTimeout, hub.ReadLimit, app.logger)
	app.manager = protocol.NewManager(hub, dialer, app.logger, app.metrics)
}

func (app *IngestApplication) initializeEnrichment() error {
	enrich := app.config.Enrichment

	if enrich.Weather.Enabled {
		source, err := enrichment.NewHTTPSource(enrich.Weather.BaseURL, enrich.Weather.Timeout)
		if err != nil {
			return err
		}
		app.weather = enrichment.NewCache[*model.WeatherSnapshot](enrichment.CacheConfig{
			Name:         "weather",
			TTL:          enrich.Weather.TTL,
			FetchTimeout: enrich.Weather.Timeout,
		}, source.FetchWeather, app.logger, app.metrics)
	}

	if enrich.Metadata.Enabled {
		source, err := enrichment.NewHTTPSource(enrich.Metadata.BaseURL, enrich.Metadata.Timeout)
		if err != nil {
			return err
		}
		app.metadata = enrichment.NewCache[*model.DeviceMetadata](enrichment.CacheConfig{
			Name:         "metadata",
			TTL:          enrich.Metadata.TTL,
			FetchTimeout: enrich.Metadata.Timeout,
		}, source.FetchMetadata, app.logger, app.metrics)
	}

	return nil
}

// warmWeather fetches the configured location once so the first events are
// enriched. A failure only delays enrichment.
func (app *IngestApplication) warmWeather(ctx context.Context) {
	location := app.config.Enrichment.Location
	if app.weather == nil || location == "" {
		return
	}

	warmCtx, cancel := context.WithTimeout(ctx, app.config.Enrichment.Weather.Timeout)
	defer cancel()
	if _, err := app.weather.Lookup(warmCtx, location); err != nil {
		app.logger.Warn("Initial weather fetch failed", zap.String("location", location), zap.Error(err))
	}
}

func (app *IngestApplication) initializeProcessor() {
	// A disabled source must reach the processor as a nil interface
	var weather processor.Lookup[*model.WeatherSnapshot]
	if app.weather != nil {
		weather = app.weather
	}
	var metadata processor.Lookup[*model.DeviceMetadata]
	if app.metadata != nil {
		metadata = app.metadata
	}

	app.processor = processor.New(app.config.Processor, app.config.Enrichment.Location, weather, metadata, app.logger, app.metrics)
	app.accumulator = batch.New[*model.CanonicalEvent](batch.Config{
		Stage:     "forward",
		MaxSize:   app.config.Batch.MaxSize,
		MaxAge:    app.config.Batch.MaxAge,
		QueueSize: app.config.Batch.QueueSize,
	}, app.metrics)
}

func (app *IngestApplication) initializeForwarder(notifier alerting.Notifier) error {
	fwd := app.config.Forwarder

	app.breaker = forwarder.NewBreaker("downstream", fwd.FailureThreshold, fwd.Cooldown, app.logger, app.metrics)
	client, err := forwarder.NewClient(fwd, app.breaker, app.logger, app.metrics)
	if err != nil {
		return err
	}

	opts := []forwarder.Option{
		forwarder.WithNotifier(notifier),
		forwarder.WithSingleEventMode(fwd.SingleEvent || app.config.Batch.MaxSize == 1),
		forwarder.WithQueueSize(app.config.Batch.QueueSize),
	}
	if app.config.DeadLetter.Enabled {
		store, err := deadletter.NewBoltStore(app.config.DeadLetter.Path)
		if err != nil {
			return err
		}
		app.deadLetters = store
		opts = append(opts, forwarder.WithDeadLetters(store))
	}

	app.forwarder = forwarder.New(fwd, client, app.breaker, app.logger, app.metrics, opts...)
	return nil
}

func (app *IngestApplication) initializeStatusServer() {
	if !app.config.Metrics.Enabled {
		return
	}

	router := routes.NewRouter(app.config, app.logger, app.metrics, nil, app.healthChecks()...)
	app.server = &http.Server{
		Addr:         app.config.GetMetricsAddr(),
		Handler:      router.Handler(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}
}

func (app *IngestApplication) healthChecks() []handler.Check {
	checks := []handler.Check{
		{
			Name:     "hub",
			Critical: true,
			Probe: func(context.Context) (map[string]interface{}, error) {
				status := app.manager.Status()
				data := map[string]interface{}{
					"state":   status.State,
					"attempt": status.Attempt,
				}
				if stats, ok := app.manager.TransportStats(); ok {
					data["messages_read"] = stats.MessagesRead
					data["messages_written"] = stats.MessagesWritten
				}
				if status.State != model.ConnectionSubscribed {
					if status.LastError != "" {
						data["last_error"] = status.LastError
					}
					return data, fmt.Errorf("hub connection %s", status.State)
				}
				return data, nil
			},
		},
		{
			Name: "processor",
			Probe: func(context.Context) (map[string]interface{}, error) {
				stats := app.processor.Stats()
				return map[string]interface{}{
					"received":  stats.Received,
					"processed": stats.Processed,
					"dropped":   stats.Dropped,
					"pending":   app.accumulator.Pending(),
				}, nil
			},
		},
		{
			Name: "forwarder",
			Probe: func(context.Context) (map[string]interface{}, error) {
				status := app.breaker.Status()
				stats := app.forwarder.Stats()
				data := map[string]interface{}{
					"breaker":              status.State,
					"consecutive_failures": status.ConsecutiveFailures,
					"batches_delivered":    stats.BatchesDelivered,
					"batches_dropped":      stats.BatchesDropped,
					"events_lost":          stats.EventsLost,
				}
				if status.State != model.CircuitClosed {
					data["open_for"] = app.breaker.OpenFor().String()
					return data, fmt.Errorf("circuit breaker %s", status.State)
				}
				return data, nil
			},
		},
	}

	if app.weather != nil {
		checks = append(checks, cacheCheck("weather_cache", app.weather.Stats))
	}
	if app.metadata != nil {
		checks = append(checks, cacheCheck("metadata_cache", app.metadata.Stats))
	}
	if app.deadLetters != nil {
		checks = append(checks, handler.Check{
			Name: "dead_letters",
			Probe: func(context.Context) (map[string]interface{}, error) {
				count, err := app.deadLetters.Count()
				return map[string]interface{}{"lost_batches": count}, err
			},
		})
	}
	return checks
}

func cacheCheck(name string, stats func() enrichment.CacheStats) handler.Check {
	return handler.Check{
		Name: name,
		Probe: func(context.Context) (map[string]interface{}, error) {
			s := stats()
			return map[string]interface{}{
				"hits":     s.Hits,
				"misses":   s.Misses,
				"failures": s.Failures,
				"entries":  s.Entries,
				"hit_rate": s.HitRate,
			}, nil
		},
	}
}

// Run streams events until ctx ends, then drains the pipeline: the hub
// connection closes first, buffered events are batched and delivered, and
// whatever remains when the shutdown timeout expires is dropped and counted.
func (app *IngestApplication) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	stopDrainTimer := context.AfterFunc(runCtx, func() {
		app.logger.Info("Draining pipeline", zap.Duration("timeout", shutdownTimeout(app.config)))
		timer := time.AfterFunc(shutdownTimeout(app.config), cancelDrain)
		context.AfterFunc(drainCtx, func() { timer.Stop() })
	})
	defer stopDrainTimer()

	serverErr := make(chan error, 1)
	if app.server != nil {
		go func() {
			app.logger.Info("Starting status server", zap.String("address", app.server.Addr))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
				cancelRun()
			}
		}()
	}

	app.warmWeather(runCtx)

	var g errgroup.Group

	g.Go(func() error {
		defer cancelRun()
		return app.manager.Run(runCtx)
	})

	g.Go(func() error {
		err := app.processor.Run(drainCtx, app.manager.Messages(), app.accumulator)
		if err != nil {
			cancelRun()
		}
		closeErr := app.accumulator.Close(drainCtx)
		var unreleased *batch.UnreleasedError
		if errors.As(closeErr, &unreleased) {
			app.metrics.EventsLost.Add(float64(unreleased.Items))
			app.logger.Error("Events not forwarded before drain deadline",
				zap.Int("events", unreleased.Items),
				zap.Error(closeErr),
			)
		}
		return errors.Join(err, closeErr)
	})

	g.Go(func() error {
		return app.accumulator.Run(drainCtx)
	})

	g.Go(func() error {
		return app.forwarder.Run(drainCtx, app.accumulator.Output())
	})

	err := g.Wait()

	stats := app.forwarder.Stats()
	utils.NewServiceLogger(app.logger, "ingest").LogServiceStop("pipeline drained")
	app.logger.Info("Ingest stopped",
		zap.Int64("events_delivered", stats.EventsDelivered),
		zap.Int64("events_lost", stats.EventsLost),
	)

	if app.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := app.server.Shutdown(shutdownCtx); shutdownErr != nil {
			app.logger.Error("Status server shutdown error", zap.Error(shutdownErr))
		}
	}

	select {
	case srvErr := <-serverErr:
		return errors.Join(err, fmt.Errorf("status server: %w", srvErr))
	default:
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the caches and the dead-letter database
func (app *IngestApplication) Close() {
	if app.weather != nil {
		app.weather.Close()
	}
	if app.metadata != nil {
		app.metadata.Close()
	}
	if app.deadLetters != nil {
		if err := app.deadLetters.Close(); err != nil {
			app.logger.Error("Dead-letter database close error", zap.Error(err))
		}
	}
}
