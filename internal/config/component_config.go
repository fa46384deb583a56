package config

import (
	"time"

	"github.com/nkkko/statepopup/internal/api"
	adminapi "github.com/nkkko/statepopup/internal/api/chi"
	"github.com/nkkko/statepopup/internal/logging"
	"github.com/nkkko/statepopup/internal/notifier"
	"github.com/nkkko/statepopup/internal/router"
	"github.com/nkkko/statepopup/internal/source"
	"github.com/nkkko/statepopup/internal/storage"
	"github.com/nkkko/statepopup/internal/telemetry"
)

// ToStorageConfig converts to the config entry store config
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		DataDir:         c.Storage.DataDir,
		InMemory:        c.Storage.InMemory,
		SyncWrites:      c.Storage.SyncWrites,
		GCInterval:      time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
		GCDiscardRatio:  c.Storage.GCDiscardRatio,
		CacheEnabled:    c.Storage.CacheEnabled,
		CacheSize:       c.Storage.CacheSize,
		CacheExpiration: time.Duration(c.Storage.CacheExpirationSeconds) * time.Second,
	}
}

// ToRouterConfig converts to the pipeline config
func (c *Config) ToRouterConfig() router.Config {
	return router.Config{
		PruneInterval:  time.Duration(c.Router.PruneIntervalSeconds) * time.Second,
		LedgerCapacity: c.Router.LedgerCapacity,
	}
}

// ToNotifierConfig converts to the push endpoint config
func (c *Config) ToNotifierConfig() notifier.Config {
	cfg := notifier.Config{
		MaxIdleTime:       time.Duration(c.Notifier.MaxIdleTime) * time.Second,
		HeartbeatInterval: time.Duration(c.Notifier.HeartbeatInterval) * time.Second,
		WriteTimeout:      time.Duration(c.Notifier.WriteTimeout) * time.Second,
		QueueSize:         c.Notifier.QueueSize,
	}
	if c.RateLimit.Enabled {
		cfg.MessagesPerSecond = c.RateLimit.WSMessagesPerSecond
		cfg.MessageBurst = c.RateLimit.WSBurst
	}
	return cfg
}

// ToHomeAssistantConfig converts to the upstream source config
func (c *Config) ToHomeAssistantConfig() source.HomeAssistantConfig {
	ha := c.Source.HomeAssistant
	return source.HomeAssistantConfig{
		URL:              ha.URL,
		Token:            ha.Token,
		HandshakeTimeout: time.Duration(ha.HandshakeTimeout) * time.Second,
		MinBackoff:       time.Duration(ha.MinBackoffSeconds) * time.Second,
		MaxBackoff:       time.Duration(ha.MaxBackoffSeconds) * time.Second,
	}
}

// ToAPIConfig converts to the public HTTP server config
func (c *Config) ToAPIConfig() api.Config {
	cfg := api.Config{
		Addr:           c.Server.Addr,
		BodyLimit:      c.Server.MaxBodySize,
		ReadTimeout:    time.Duration(c.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(c.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(c.Server.IdleTimeout) * time.Second,
		CORSOrigins:    c.Server.CORSOrigins,
		MetricsEnabled: c.Metrics.Enabled,
		MetricsPath:    c.Metrics.Endpoint,
	}
	if c.RateLimit.Enabled {
		cfg.RequestsPerMinute = c.RateLimit.RPM
	}
	return cfg
}

// ToAdminConfig converts to the admin server config
func (c *Config) ToAdminConfig() adminapi.Config {
	return adminapi.Config{
		Addr:           c.Admin.Addr,
		CORSOrigins:    c.Admin.CORSOrigins,
		MetricsEnabled: c.Metrics.Enabled,
		ServiceName:    c.Telemetry.ServiceName,
	}
}

// ToLoggingConfig converts to the logger config
func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Format = logging.LogFormat(c.Logging.Format)
	cfg.IncludeCaller = c.Logging.IncludeCaller
	if c.Logging.GlobalFields != nil {
		cfg.GlobalFields = c.Logging.GlobalFields
	}
	return cfg
}

// ToTelemetryConfig converts to the tracing config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Telemetry.Enabled
	cfg.ServiceName = c.Telemetry.ServiceName
	cfg.Endpoint = c.Telemetry.Endpoint
	cfg.SamplingRatio = c.Telemetry.SamplingRatio
	if c.Telemetry.Attributes != nil {
		cfg.Attributes = c.Telemetry.Attributes
	}
	return cfg
}
