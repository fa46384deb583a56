package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/statepopup/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, SourceWebhook, cfg.Source.Type)
	assert.Equal(t, 100, cfg.Notifier.QueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	testConfig := `server:
  addr: ":9090"
storage:
  data_dir: "./test-data"
logging:
  level: "debug"
popup:
  entities:
    - light.kitchen
    - switch.pump
  exclude_domains: sensor
  cooldown: 5
  text_position: bottom
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	cfg, err := LoadConfigFromFile(configFile)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "./test-data", cfg.Storage.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Default values are kept for unspecified fields
	assert.Equal(t, 16, cfg.Storage.CacheSize)
	assert.Equal(t, 60, cfg.Notifier.MaxIdleTime)

	effective := settings.Resolve(settings.Defaults(), cfg.Popup)
	assert.Equal(t, []string{"light.kitchen", "switch.pump"}, effective.Entities.Sorted())
	assert.True(t, effective.ExcludeDomains.Has("sensor"))
	assert.Equal(t, 5.0, effective.Cooldown)
	assert.Equal(t, "bottom", string(effective.Style.TextPosition))
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("server: [unclosed"), 0644))

	_, err := LoadConfigFromFile(configFile)
	assert.Error(t, err)
}

func TestLoadConfigPrecedence(t *testing.T) {
	testConfig := `server:
  addr: ":9090"
storage:
  data_dir: "./test-data"
logging:
  level: "debug"
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(testConfig), 0644))

	t.Setenv("STATEPOPUP_SERVER_ADDR", ":8888")
	t.Setenv("STATEPOPUP_LOG_LEVEL", "error")
	t.Setenv("STATEPOPUP_STORAGE_IN_MEMORY", "true")

	cfg, err := LoadConfig(configFile, Overrides{DataDir: "./cli-data", LogLevel: "warn"})
	require.NoError(t, err)

	absPath, _ := filepath.Abs("./cli-data")
	assert.Equal(t, absPath, cfg.Storage.DataDir)

	// Env beats the file
	assert.Equal(t, ":8888", cfg.Server.Addr)
	assert.True(t, cfg.Storage.InMemory)

	// Flags beat env
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigValidatesSource(t *testing.T) {
	_, err := LoadConfig("", Overrides{SourceType: SourceHomeAssistant})
	assert.ErrorContains(t, err, "token")

	t.Setenv("STATEPOPUP_HA_TOKEN", "secret")
	cfg, err := LoadConfig("", Overrides{SourceType: SourceHomeAssistant, HomeAssistantURL: "ws://ha:8123/api/websocket"})
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Source.HomeAssistant.Token)

	_, err = LoadConfig("", Overrides{SourceType: "mqtt"})
	assert.Error(t, err)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()

	storageCfg := cfg.ToStorageConfig()
	assert.Equal(t, cfg.Storage.DataDir, storageCfg.DataDir)
	assert.Equal(t, 10*time.Minute, storageCfg.GCInterval)
	assert.Equal(t, 30*time.Second, storageCfg.CacheExpiration)

	routerCfg := cfg.ToRouterConfig()
	assert.Equal(t, time.Minute, routerCfg.PruneInterval)
	assert.Equal(t, cfg.Router.LedgerCapacity, routerCfg.LedgerCapacity)

	notifierCfg := cfg.ToNotifierConfig()
	assert.Equal(t, int64(cfg.Notifier.MaxIdleTime), int64(notifierCfg.MaxIdleTime.Seconds()))
	assert.Zero(t, notifierCfg.MessagesPerSecond)

	cfg.RateLimit.Enabled = true
	assert.Equal(t, cfg.RateLimit.WSMessagesPerSecond, cfg.ToNotifierConfig().MessagesPerSecond)
	assert.Equal(t, cfg.RateLimit.RPM, cfg.ToAPIConfig().RequestsPerMinute)

	haCfg := cfg.ToHomeAssistantConfig()
	assert.Equal(t, time.Minute, haCfg.MaxBackoff)

	assert.Equal(t, cfg.Admin.Addr, cfg.ToAdminConfig().Addr)
	assert.Equal(t, "statepopup", cfg.ToTelemetryConfig().ServiceName)
	assert.Equal(t, "info", string(cfg.ToLoggingConfig().Level))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("popup:\n  cooldown: 1\n"), 0644))

	reloaded := make(chan *Config, 4)
	w := NewWatcher(configFile, func() (*Config, error) {
		return LoadConfigFromFile(configFile)
	}, func(cfg *Config) {
		reloaded <- cfg
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(configFile, []byte("popup:\n  cooldown: 9\n"), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Popup[settings.KeyCooldown])
	case <-time.After(3 * time.Second):
		t.Fatal("configuration was not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}
