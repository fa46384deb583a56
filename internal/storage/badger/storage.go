// Package badger persists the popup config entry in a Badger database.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/nkkko/statepopup/internal/settings"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a layer has never been stored
var ErrNotFound = errors.New("config layer not found")

const (
	prefixEntry = "entry:"
	prefixMeta  = "meta:"

	keyUpdatedAt = prefixMeta + "updated_at"
)

// Config contains Badger store configuration
type Config struct {
	// Base directory for data files; ignored in memory mode
	DataDir string

	// Keep everything in memory; nothing survives a restart
	InMemory bool

	// Fsync every write
	SyncWrites bool

	// Value log garbage collection
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns a default configuration for the Badger store
func DefaultConfig() Config {
	return Config{
		DataDir:        "./data",
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Storage keeps one JSON-encoded settings record per layer
type Storage struct {
	config  Config
	db      *badger.DB
	updates chan struct{}
	mu      sync.Mutex
	closed  bool
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStorage opens the Badger database
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	defaults := DefaultConfig()
	if config.GCInterval <= 0 {
		config.GCInterval = defaults.GCInterval
	}
	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = defaults.GCDiscardRatio
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath).WithSyncWrites(config.SyncWrites)
	}
	options = options.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	logger.Info().
		Bool("in_memory", config.InMemory).
		Str("data_dir", config.DataDir).
		Msg("Config store opened")

	return &Storage{
		config: config,
		db:     db,
		// Capacity one coalesces bursts of writes into a single signal
		updates: make(chan struct{}, 1),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Start runs value log garbage collection until ctx is done
func (s *Storage) Start(ctx context.Context) error {
	if s.config.InMemory {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runGC()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Storage) runGC() {
	for {
		err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			s.logger.Warn().Err(err).Msg("Value log GC failed")
		}
		return
	}
}

// Shutdown closes the database
func (s *Storage) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.updates)

	if err := s.db.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing Badger database")
		return err
	}
	return nil
}

// Updates signals after every successful write. The channel is closed on
// shutdown.
func (s *Storage) Updates() <-chan struct{} {
	return s.updates
}

// Get returns the record stored for layer
func (s *Storage) Get(ctx context.Context, layer string) (settings.Record, error) {
	var record settings.Record

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixEntry + layer))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		s.metrics.StorageOperations.WithLabelValues("get_"+layer, "true").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		s.metrics.StorageOperations.WithLabelValues("get_"+layer, "false").Inc()
		return nil, fmt.Errorf("failed to read %s layer: %w", layer, err)
	}

	s.metrics.StorageOperations.WithLabelValues("get_"+layer, "true").Inc()
	return record, nil
}

// Put replaces the record stored for layer
func (s *Storage) Put(ctx context.Context, layer string, record settings.Record) error {
	if record == nil {
		record = settings.Record{}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode %s layer: %w", layer, err)
	}

	now, _ := time.Now().UTC().MarshalText()
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixEntry+layer), data); err != nil {
			return err
		}
		return txn.Set([]byte(keyUpdatedAt), now)
	})
	if err != nil {
		s.metrics.StorageOperations.WithLabelValues("put_"+layer, "false").Inc()
		return fmt.Errorf("failed to write %s layer: %w", layer, err)
	}

	s.metrics.StorageOperations.WithLabelValues("put_"+layer, "true").Inc()
	s.notify()
	return nil
}

// Delete removes the record stored for layer
func (s *Storage) Delete(ctx context.Context, layer string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixEntry + layer))
	})
	if err != nil {
		s.metrics.StorageOperations.WithLabelValues("delete_"+layer, "false").Inc()
		return fmt.Errorf("failed to delete %s layer: %w", layer, err)
	}

	s.metrics.StorageOperations.WithLabelValues("delete_"+layer, "true").Inc()
	s.notify()
	return nil
}

// UpdatedAt returns the time of the last write, or zero
func (s *Storage) UpdatedAt() time.Time {
	var ts time.Time
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyUpdatedAt))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return ts.UnmarshalText(val)
		})
	})
	return ts
}

func (s *Storage) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
