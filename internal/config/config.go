// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Security   SecurityConfig   `mapstructure:"security"`
	Hub        HubConfig        `mapstructure:"hub"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Forwarder  ForwarderConfig  `mapstructure:"forwarder"`
	Writer     WriterConfig     `mapstructure:"writer"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment     string        `mapstructure:"environment"`
	Debug           bool          `mapstructure:"debug"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig holds HTTP surface settings
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// HubConfig configures the persistent hub connection
type HubConfig struct {
	URL               string        `mapstructure:"url"`
	AccessToken       string        `mapstructure:"access_token"`
	EventTypes        []string      `mapstructure:"event_types"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
	SubscribeTimeout  time.Duration `mapstructure:"subscribe_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	StabilityWindow   time.Duration `mapstructure:"stability_window"`
	MaxAttempts       int           `mapstructure:"max_attempts"` // 0 retries forever
	QueueSize         int           `mapstructure:"queue_size"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

// ProcessorConfig configures event validation and filtering
type ProcessorConfig struct {
	Workers         int      `mapstructure:"workers"`
	IncludeDomains  []string `mapstructure:"include_domains"`
	ExcludeEntities []string `mapstructure:"exclude_entities"`
}

// EnrichmentConfig configures the enrichment sources
type EnrichmentConfig struct {
	Location string                 `mapstructure:"location"`
	Weather  EnrichmentSourceConfig `mapstructure:"weather"`
	Metadata EnrichmentSourceConfig `mapstructure:"metadata"`
}

// EnrichmentSourceConfig configures one read-only enrichment source
type EnrichmentSourceConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BatchConfig bounds the forwarder-side batches
type BatchConfig struct {
	MaxSize   int           `mapstructure:"max_size"`
	MaxAge    time.Duration `mapstructure:"max_age"`
	QueueSize int           `mapstructure:"queue_size"`
}

// ForwarderConfig configures delivery to the downstream processor
type ForwarderConfig struct {
	URL              string        `mapstructure:"url"`
	Workers          int           `mapstructure:"workers"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	RequeueLimit     int           `mapstructure:"requeue_limit"`
	AlertAfter       time.Duration `mapstructure:"alert_after"`
	SingleEvent      bool          `mapstructure:"single_event"`
}

// WriterConfig configures the downstream store writer
type WriterConfig struct {
	Measurement    string            `mapstructure:"measurement"`
	MaxSize        int               `mapstructure:"max_size"`
	MaxAge         time.Duration     `mapstructure:"max_age"`
	QueueSize      int               `mapstructure:"queue_size"`
	EnqueueTimeout time.Duration     `mapstructure:"enqueue_timeout"`
	DrainTimeout   time.Duration     `mapstructure:"drain_timeout"`
	FieldTypes     map[string]string `mapstructure:"field_types"`
}

// StorageConfig selects the point store backend
type StorageConfig struct {
	Backend      string             `mapstructure:"backend"`
	LineProtocol LineProtocolConfig `mapstructure:"line_protocol"`
}

// LineProtocolConfig configures the line-protocol HTTP backend
type LineProtocolConfig struct {
	URL     string        `mapstructure:"url"`
	Org     string        `mapstructure:"org"`
	Bucket  string        `mapstructure:"bucket"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	MaxLifetime    time.Duration `mapstructure:"max_lifetime"`
	MigrationsPath string        `mapstructure:"migrations_path"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

// AlertingConfig configures operator alerts
type AlertingConfig struct {
	WebhookURL  string        `mapstructure:"webhook_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// DeadLetterConfig configures the lost-batch log
type DeadLetterConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MetricsConfig configures the status server of the ingest process
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
}

// Load loads configuration from file and environment variables.
// An empty path searches the default locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/hubstream")
	}

	// Environment variable support
	v.SetEnvPrefix("HUBSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Defaults and environment are enough to run.
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "hubstream")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
	v.SetDefault("app.shutdown_timeout", "30s")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Hub defaults
	v.SetDefault("hub.url", "ws://localhost:8123/api/websocket")
	v.SetDefault("hub.access_token", "")
	v.SetDefault("hub.event_types", []string{"state_changed"})
	v.SetDefault("hub.dial_timeout", "10s")
	v.SetDefault("hub.auth_timeout", "10s")
	v.SetDefault("hub.subscribe_timeout", "10s")
	v.SetDefault("hub.heartbeat_interval", "30s")
	v.SetDefault("hub.heartbeat_timeout", "10s")
	v.SetDefault("hub.backoff_base", "1s")
	v.SetDefault("hub.backoff_cap", "300s")
	v.SetDefault("hub.stability_window", "60s")
	v.SetDefault("hub.max_attempts", 0)
	v.SetDefault("hub.queue_size", 1000)
	v.SetDefault("hub.read_limit", 1<<20)
	v.SetDefault("hub.write_timeout", "10s")

	// Processor defaults
	v.SetDefault("processor.workers", 1)

	// Enrichment defaults
	v.SetDefault("enrichment.location", "home")
	v.SetDefault("enrichment.weather.enabled", false)
	v.SetDefault("enrichment.weather.base_url", "")
	v.SetDefault("enrichment.weather.ttl", "15m")
	v.SetDefault("enrichment.weather.timeout", "5s")
	v.SetDefault("enrichment.metadata.enabled", false)
	v.SetDefault("enrichment.metadata.base_url", "")
	v.SetDefault("enrichment.metadata.ttl", "1h")
	v.SetDefault("enrichment.metadata.timeout", "5s")

	// Batch defaults
	v.SetDefault("batch.max_size", 100)
	v.SetDefault("batch.max_age", "5s")
	v.SetDefault("batch.queue_size", 64)

	// Forwarder defaults
	v.SetDefault("forwarder.url", "http://localhost:8086")
	v.SetDefault("forwarder.workers", 2)
	v.SetDefault("forwarder.request_timeout", "5s")
	v.SetDefault("forwarder.max_attempts", 2)
	v.SetDefault("forwarder.retry_backoff", "100ms")
	v.SetDefault("forwarder.failure_threshold", 5)
	v.SetDefault("forwarder.cooldown", "30s")
	v.SetDefault("forwarder.requeue_limit", 1)
	v.SetDefault("forwarder.alert_after", "5m")
	v.SetDefault("forwarder.single_event", false)

	// Writer defaults
	v.SetDefault("writer.measurement", "state_changes")
	v.SetDefault("writer.max_size", 500)
	v.SetDefault("writer.max_age", "2s")
	v.SetDefault("writer.queue_size", 64)
	v.SetDefault("writer.enqueue_timeout", "1s")
	v.SetDefault("writer.drain_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.line_protocol.url", "")
	v.SetDefault("storage.line_protocol.org", "")
	v.SetDefault("storage.line_protocol.bucket", "hubstream")
	v.SetDefault("storage.line_protocol.token", "")
	v.SetDefault("storage.line_protocol.timeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "hubstream")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)

	// Alerting defaults
	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.min_interval", "10m")

	// Dead letter defaults
	v.SetDefault("dead_letter.enabled", true)
	v.SetDefault("dead_letter.path", "./data/dead_letter.db")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", "9464")
}

// validate validates the configuration shared by every command
func validate(config *Config) error {
	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be positive")
	}
	if config.Batch.MaxAge <= 0 {
		return fmt.Errorf("batch.max_age must be positive")
	}
	if config.Writer.MaxSize <= 0 || config.Writer.MaxAge <= 0 {
		return fmt.Errorf("writer.max_size and writer.max_age must be positive")
	}

	return nil
}

// ValidateIngest checks the settings the ingest command depends on
func (c *Config) ValidateIngest() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	if c.Hub.AccessToken == "" {
		return fmt.Errorf("hub.access_token is required")
	}
	if len(c.Hub.EventTypes) == 0 {
		return fmt.Errorf("hub.event_types must not be empty")
	}
	if c.Hub.BackoffBase <= 0 || c.Hub.BackoffCap < c.Hub.BackoffBase {
		return fmt.Errorf("hub.backoff_base must be positive and not exceed hub.backoff_cap")
	}
	if c.Forwarder.URL == "" {
		return fmt.Errorf("forwarder.url is required")
	}
	if c.Forwarder.Workers <= 0 {
		return fmt.Errorf("forwarder.workers must be positive")
	}
	if c.Forwarder.FailureThreshold <= 0 {
		return fmt.Errorf("forwarder.failure_threshold must be positive")
	}
	if c.Enrichment.Weather.Enabled && c.Enrichment.Weather.BaseURL == "" {
		return fmt.Errorf("enrichment.weather.base_url is required when weather is enabled")
	}
	if c.Enrichment.Metadata.Enabled && c.Enrichment.Metadata.BaseURL == "" {
		return fmt.Errorf("enrichment.metadata.base_url is required when metadata is enabled")
	}
	return nil
}

// ValidateProcess checks the settings the process command depends on
func (c *Config) ValidateProcess() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	switch c.Storage.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
	case "line_protocol":
		if c.Storage.LineProtocol.URL == "" {
			return fmt.Errorf("storage.line_protocol.url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be one of: postgres, line_protocol, memory")
	}
	for field, kind := range c.Writer.FieldTypes {
		switch kind {
		case "float", "integer", "string", "bool", "bool_string":
		default:
			return fmt.Errorf("writer.field_types.%s has unknown type %q", field, kind)
		}
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// GetMetricsAddr returns the ingest status server address
func (c *Config) GetMetricsAddr() string {
	return fmt.Sprintf("%s:%s", c.Metrics.Host, c.Metrics.Port)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
