// cmd/hubstream/main.go
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hubstream/internal/alerting"
	"hubstream/internal/config"
	"hubstream/internal/utils"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

// @title hubstream processor API
// @version 1.0
// @description Downstream event ingestion and health surface of the hubstream pipeline.
// @BasePath /
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hubstream",
	Short: "hubstream - home-automation state event pipeline",
	Long: `hubstream streams state changes from a home-automation hub, enriches
them with weather and device metadata, and persists them into a time-series
store.

Run "ingest" next to the hub and "process" next to the store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hubstream version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: search ./config.yaml, ./config, /etc/hubstream)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadRuntime loads configuration and builds the root logger
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, logger.With(zap.String("version", Version)), nil
}

// newNotifier logs every alert and posts it to the webhook when one is
// configured. Repeats of one alert key are suppressed for min_interval.
func newNotifier(cfg *config.AlertingConfig, logger *zap.Logger) (alerting.Notifier, error) {
	notifiers := []alerting.Notifier{alerting.NewLogNotifier(logger)}

	if cfg.WebhookURL != "" {
		webhook, err := alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}

	return alerting.NewDeduplicator(
		alerting.NewMultiNotifier(notifiers...),
		alerting.WithMinInterval(cfg.MinInterval),
	), nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.App.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return cfg.App.ShutdownTimeout
}
