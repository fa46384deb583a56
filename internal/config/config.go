package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nkkko/statepopup/internal/settings"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Source types
const (
	SourceHomeAssistant = "homeassistant"
	SourceWebhook       = "webhook"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Admin     AdminConfig     `yaml:"admin"`
	Storage   StorageConfig   `yaml:"storage"`
	Router    RouterConfig    `yaml:"router"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Source    SourceConfig    `yaml:"source"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Popup settings from the file; applied under the stored config entry
	Popup settings.Record `yaml:"popup"`
}

// ServerConfig contains public HTTP server settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	MaxBodySize  int    `yaml:"max_body_size"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
	CORSOrigins  string `yaml:"cors_origins"`
}

// AdminConfig contains the admin server settings
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig contains config entry store settings
type StorageConfig struct {
	DataDir                string  `yaml:"data_dir"`
	InMemory               bool    `yaml:"in_memory"`
	SyncWrites             bool    `yaml:"sync_writes"`
	GCIntervalMinutes      int     `yaml:"gc_interval_minutes"`
	GCDiscardRatio         float64 `yaml:"gc_discard_ratio"`
	CacheEnabled           bool    `yaml:"cache_enabled"`
	CacheSize              int     `yaml:"cache_size"`
	CacheExpirationSeconds int     `yaml:"cache_expiration_seconds"`
}

// RouterConfig contains pipeline settings
type RouterConfig struct {
	PruneIntervalSeconds int `yaml:"prune_interval_seconds"`
	LedgerCapacity       int `yaml:"ledger_capacity"`
}

// NotifierConfig contains push connection settings
type NotifierConfig struct {
	MaxIdleTime       int `yaml:"max_idle_time"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	WriteTimeout      int `yaml:"write_timeout"`
	QueueSize         int `yaml:"queue_size"`
}

// SourceConfig selects where state changes come from
type SourceConfig struct {
	Type          string              `yaml:"type"`
	BufferSize    int                 `yaml:"buffer_size"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
}

// HomeAssistantConfig contains upstream websocket settings
type HomeAssistantConfig struct {
	URL               string `yaml:"url"`
	Token             string `yaml:"token"`
	HandshakeTimeout  int    `yaml:"handshake_timeout"`
	MinBackoffSeconds int    `yaml:"min_backoff_seconds"`
	MaxBackoffSeconds int    `yaml:"max_backoff_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// RateLimitConfig contains rate limiting settings
type RateLimitConfig struct {
	Enabled             bool    `yaml:"enabled"`
	RPM                 int     `yaml:"rpm"`
	WSMessagesPerSecond float64 `yaml:"ws_messages_per_second"`
	WSBurst             int     `yaml:"ws_burst"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodySize:  1048576, // 1MB
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
			CORSOrigins:  "*",
		},
		Admin: AdminConfig{
			Enabled:     true,
			Addr:        "127.0.0.1:8081",
			CORSOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			DataDir:                "./data",
			SyncWrites:             true,
			GCIntervalMinutes:      10,
			GCDiscardRatio:         0.5,
			CacheEnabled:           true,
			CacheSize:              16,
			CacheExpirationSeconds: 30,
		},
		Router: RouterConfig{
			PruneIntervalSeconds: 60,
			LedgerCapacity:       65536,
		},
		Notifier: NotifierConfig{
			MaxIdleTime:       60,
			HeartbeatInterval: 20,
			WriteTimeout:      10,
			QueueSize:         100,
		},
		Source: SourceConfig{
			Type:       SourceWebhook,
			BufferSize: 256,
			HomeAssistant: HomeAssistantConfig{
				URL:               "ws://localhost:8123/api/websocket",
				HandshakeTimeout:  10,
				MinBackoffSeconds: 1,
				MaxBackoffSeconds: 60,
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "statepopup",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:             false,
			RPM:                 600,
			WSMessagesPerSecond: 20,
			WSBurst:             40,
		},
	}
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Source.Type {
	case SourceWebhook:
	case SourceHomeAssistant:
		if c.Source.HomeAssistant.URL == "" {
			return fmt.Errorf("source.homeassistant.url is required")
		}
		if c.Source.HomeAssistant.Token == "" {
			return fmt.Errorf("source.homeassistant.token is required")
		}
	default:
		return fmt.Errorf("unknown source type %q", c.Source.Type)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Overrides are command line values; empty fields leave the config alone
type Overrides struct {
	DataDir          string
	ServerAddr       string
	AdminAddr        string
	LogLevel         string
	SourceType       string
	HomeAssistantURL string
	InMemory         bool
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, overrides Overrides) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags have the highest priority
	if overrides.DataDir != "" {
		absDataDir, err := filepath.Abs(overrides.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}
	if overrides.ServerAddr != "" {
		config.Server.Addr = overrides.ServerAddr
	}
	if overrides.AdminAddr != "" {
		config.Admin.Addr = overrides.AdminAddr
	}
	if overrides.LogLevel != "" {
		config.Logging.Level = overrides.LogLevel
	}
	if overrides.SourceType != "" {
		config.Source.Type = overrides.SourceType
	}
	if overrides.HomeAssistantURL != "" {
		config.Source.HomeAssistant.URL = overrides.HomeAssistantURL
	}
	if overrides.InMemory {
		config.Storage.InMemory = true
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies STATEPOPUP_* environment variables
func applyEnvOverrides(config *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}

	setString("STATEPOPUP_SERVER_ADDR", &config.Server.Addr)
	setString("STATEPOPUP_ADMIN_ADDR", &config.Admin.Addr)
	setBool("STATEPOPUP_ADMIN_ENABLED", &config.Admin.Enabled)

	setString("STATEPOPUP_STORAGE_DATA_DIR", &config.Storage.DataDir)
	setBool("STATEPOPUP_STORAGE_IN_MEMORY", &config.Storage.InMemory)

	setInt("STATEPOPUP_NOTIFIER_QUEUE_SIZE", &config.Notifier.QueueSize)

	setString("STATEPOPUP_SOURCE_TYPE", &config.Source.Type)
	setString("STATEPOPUP_HA_URL", &config.Source.HomeAssistant.URL)
	setString("STATEPOPUP_HA_TOKEN", &config.Source.HomeAssistant.Token)

	setString("STATEPOPUP_LOG_LEVEL", &config.Logging.Level)
	setString("STATEPOPUP_LOG_FORMAT", &config.Logging.Format)

	setBool("STATEPOPUP_TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	setString("STATEPOPUP_TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)

	if v := os.Getenv("STATEPOPUP_ADMIN_CORS_ORIGINS"); v != "" {
		config.Admin.CORSOrigins = strings.Split(v, ",")
	}
}
