package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce groups the burst of events an editor save produces
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk
type Watcher struct {
	path     string
	load     func() (*Config, error)
	onChange func(*Config)
	debounce time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewWatcher watches path; load produces the new configuration and
// onChange receives it. Failed loads are logged and skipped.
func NewWatcher(path string, load func() (*Config, error), onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		load:     load,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   log.With().Str("component", "config-watcher").Str("file", path).Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Run watches until ctx is done. The parent directory is watched so
// atomic rename saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info().Msg("Watching configuration file")

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.metrics.ConfigReloadsTotal.WithLabelValues("file_error").Inc()
		w.logger.Error().Err(err).Msg("Failed to reload configuration, keeping previous")
		return
	}

	w.metrics.ConfigReloadsTotal.WithLabelValues("file").Inc()
	w.logger.Info().Msg("Configuration file reloaded")
	w.onChange(cfg)
}
