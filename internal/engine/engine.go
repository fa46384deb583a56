// Package engine wires the popup pipeline together: config entry store,
// event source, router, subscription hub and the HTTP servers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nkkko/statepopup/internal/api"
	adminapi "github.com/nkkko/statepopup/internal/api/chi"
	"github.com/nkkko/statepopup/internal/config"
	"github.com/nkkko/statepopup/internal/logging"
	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/nkkko/statepopup/internal/notifier"
	"github.com/nkkko/statepopup/internal/router"
	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/internal/source"
	"github.com/nkkko/statepopup/internal/storage"
	"github.com/nkkko/statepopup/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Reload triggers recorded in metrics and logs
const (
	TriggerStartup = "startup"
	TriggerStore   = "store"
	TriggerFile    = "file"
)

// Options controls how the engine reloads its configuration file
type Options struct {
	// Configuration file to watch; empty disables watching
	ConfigFile string

	// Command line overrides reapplied on every file reload
	Overrides config.Overrides
}

// Engine is the main coordinator of all popup components
type Engine struct {
	config  *config.Config
	options Options

	store    storage.EntryStore
	entry    *storage.Entry
	router   *router.Router
	hub      *notifier.Hub
	notifier *notifier.Notifier
	source   source.EventSource
	api      *api.API
	admin    *adminapi.ChiAPI

	// Popup section of the configuration file, the lowest stored layer
	mu        sync.Mutex
	filePopup settings.Record

	logger      zerolog.Logger
	metrics     *metrics.Metrics
	telemetryFn func(context.Context) error
}

// CreateEngine creates a new Engine with all components built from cfg
func CreateEngine(cfg *config.Config, options Options) (*Engine, error) {
	if !cfg.Storage.InMemory {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := storage.NewStore(cfg.ToStorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open config entry store: %w", err)
	}

	hub := notifier.NewHub(cfg.Notifier.QueueSize)
	n := notifier.NewNotifier(cfg.ToNotifierConfig(), hub)
	r := router.NewRouter(cfg.ToRouterConfig(), hub)
	entry := storage.NewEntry(store)

	var (
		src    source.EventSource
		ingest api.Ingest
	)
	switch cfg.Source.Type {
	case config.SourceHomeAssistant:
		src = source.NewHomeAssistantSource(cfg.ToHomeAssistantConfig())
	default:
		channel := source.NewChannelSource(cfg.Source.BufferSize)
		src, ingest = channel, channel
	}

	e := &Engine{
		config:    cfg,
		options:   options,
		store:     store,
		entry:     entry,
		router:    r,
		hub:       hub,
		notifier:  n,
		source:    src,
		api:       api.NewAPI(cfg.ToAPIConfig(), entry, r, n, ingest),
		filePopup: cfg.Popup,
		logger:    logging.Component("engine"),
		metrics:   metrics.GetMetrics(),
	}
	if cfg.Admin.Enabled {
		e.admin = adminapi.NewChiAPI(cfg.ToAdminConfig(), hub, r)
	}
	return e, nil
}

// Router returns the event router
func (e *Engine) Router() *router.Router {
	return e.router
}

// Entry returns the stored config entry
func (e *Engine) Entry() *storage.Entry {
	return e.entry
}

// Hub returns the subscription hub
func (e *Engine) Hub() *notifier.Hub {
	return e.hub
}

// Start runs every component until ctx is done or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Str("source", e.config.Source.Type).Msg("Starting state popup engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	if err := e.Reload(ctx, TriggerStartup); err != nil {
		return fmt.Errorf("failed to load popup configuration: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.store.Start(ctx)
	})

	g.Go(func() error {
		return e.watchStore(ctx)
	})

	g.Go(func() error {
		return e.router.Start(ctx, e.source)
	})

	g.Go(func() error {
		return e.notifier.Start(ctx)
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	if e.admin != nil {
		g.Go(func() error {
			return e.admin.Start(ctx)
		})
	}

	if e.options.ConfigFile != "" {
		watcher := config.NewWatcher(e.options.ConfigFile, func() (*config.Config, error) {
			return config.LoadConfig(e.options.ConfigFile, e.options.Overrides)
		}, func(cfg *config.Config) {
			e.applyFile(ctx, cfg)
		})
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("State popup engine stopped")
	return nil
}

// Reload resolves the effective configuration from the file popup section
// and the stored layers, then swaps it into the router. With no layer set
// at all the router is left unconfigured and drops every change.
func (e *Engine) Reload(ctx context.Context, trigger string) error {
	data, options, err := e.entry.Layers(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	file := e.filePopup
	e.mu.Unlock()

	if data == nil && options == nil && len(file) == 0 {
		e.logger.Warn().Str("trigger", trigger).Msg("No popup configuration found, state changes will be dropped")
		return e.router.SetConfig(nil)
	}

	effective := settings.Resolve(settings.Defaults(), file, data, options)
	if err := e.router.SetConfig(effective); err != nil {
		return err
	}

	if trigger != TriggerFile {
		e.metrics.ConfigReloadsTotal.WithLabelValues(trigger).Inc()
	}
	e.logger.Info().Str("trigger", trigger).Msg("Popup configuration reloaded")
	return nil
}

// watchStore reloads after every write to the config entry
func (e *Engine) watchStore(ctx context.Context) error {
	updates := e.entry.Updates()
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return nil
			}
			if err := e.Reload(ctx, TriggerStore); err != nil {
				e.logger.Error().Err(err).Msg("Failed to reload configuration after store update")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// applyFile takes the reloadable parts of a new configuration file
func (e *Engine) applyFile(ctx context.Context, cfg *config.Config) {
	if err := logging.SetLevel(logging.LogLevel(cfg.Logging.Level)); err != nil {
		e.logger.Warn().Err(err).Msg("Ignoring invalid log level")
	}

	e.mu.Lock()
	e.filePopup = cfg.Popup
	e.mu.Unlock()

	if err := e.Reload(ctx, TriggerFile); err != nil {
		e.logger.Error().Err(err).Msg("Failed to apply reloaded configuration file")
	}
}

// Shutdown stops the engine
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down state popup engine")

	// Shut down the servers first to stop accepting new connections
	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}
	if e.admin != nil {
		if err := e.admin.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down admin API")
		}
	}

	// Stop the source so no more changes enter the pipeline
	if err := e.router.Stop(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to stop router")
	}

	// Close every push connection and subscription
	if err := e.notifier.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down notifier")
	}

	// Shut down storage last
	if err := e.store.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down storage")
		return err
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return nil
}
