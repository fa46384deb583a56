package storage

import (
	"context"
	"time"

	"github.com/nkkko/statepopup/internal/storage/badger"
)

// Config contains storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep the entry in memory only
	InMemory bool

	// Fsync every write
	SyncWrites bool

	// Value log garbage collection
	GCInterval     time.Duration
	GCDiscardRatio float64

	// Cache settings
	CacheEnabled    bool
	CacheSize       int
	CacheExpiration time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		SyncWrites:      true,
		GCInterval:      10 * time.Minute,
		GCDiscardRatio:  0.5,
		CacheEnabled:    true,
		CacheSize:       16,
		CacheExpiration: 30 * time.Second,
	}
}

// NewStore opens the configured store
func NewStore(config Config) (EntryStore, error) {
	db, err := badger.NewStorage(badger.Config{
		DataDir:        config.DataDir,
		InMemory:       config.InMemory,
		SyncWrites:     config.SyncWrites,
		GCInterval:     config.GCInterval,
		GCDiscardRatio: config.GCDiscardRatio,
	})
	if err != nil {
		return nil, err
	}

	if !config.CacheEnabled {
		return db, nil
	}

	defaults := DefaultConfig()
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if config.CacheExpiration <= 0 {
		config.CacheExpiration = defaults.CacheExpiration
	}
	cached, err := NewCachedStore(db, config.CacheSize, config.CacheExpiration)
	if err != nil {
		_ = db.Shutdown(context.Background())
		return nil, err
	}
	return cached, nil
}
