package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/nkkko/statepopup/internal/settings"
)

// CachedStore serves repeated layer reads from memory
type CachedStore struct {
	EntryStore
	layers     *lru.TwoQueueCache
	mutex      sync.Mutex
	metrics    *metrics.Metrics
	expiration time.Duration
}

// cacheItem is a cached record with its expiry; a nil record caches a miss
type cacheItem struct {
	record     settings.Record
	expiration time.Time
}

// NewCachedStore wraps store with a cache of capacity layers
func NewCachedStore(store EntryStore, capacity int, expiration time.Duration) (*CachedStore, error) {
	layers, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}

	return &CachedStore{
		EntryStore: store,
		layers:     layers,
		metrics:    metrics.GetMetrics(),
		expiration: expiration,
	}, nil
}

// Get returns a cached copy of the layer, reading through on a miss
func (c *CachedStore) Get(ctx context.Context, layer string) (settings.Record, error) {
	c.mutex.Lock()
	value, found := c.layers.Get(layer)
	c.mutex.Unlock()

	if found {
		item := value.(cacheItem)
		if time.Now().Before(item.expiration) {
			c.metrics.StorageOperations.WithLabelValues("cache_hit", "true").Inc()
			if item.record == nil {
				return nil, ErrNotFound
			}
			return copyRecord(item.record), nil
		}
		c.metrics.StorageOperations.WithLabelValues("cache_expired", "true").Inc()
	} else {
		c.metrics.StorageOperations.WithLabelValues("cache_miss", "true").Inc()
	}

	record, err := c.EntryStore.Get(ctx, layer)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c.mutex.Lock()
	c.layers.Add(layer, cacheItem{record: record, expiration: time.Now().Add(c.expiration)})
	c.mutex.Unlock()

	if record == nil {
		return nil, ErrNotFound
	}
	return copyRecord(record), nil
}

// Put writes through and invalidates the layer
func (c *CachedStore) Put(ctx context.Context, layer string, record settings.Record) error {
	c.invalidate(layer)
	err := c.EntryStore.Put(ctx, layer, record)
	c.invalidate(layer)
	return err
}

// Delete writes through and invalidates the layer
func (c *CachedStore) Delete(ctx context.Context, layer string) error {
	c.invalidate(layer)
	err := c.EntryStore.Delete(ctx, layer)
	c.invalidate(layer)
	return err
}

func (c *CachedStore) invalidate(layer string) {
	c.mutex.Lock()
	c.layers.Remove(layer)
	c.mutex.Unlock()
}

// copyRecord keeps callers from mutating cached records
func copyRecord(r settings.Record) settings.Record {
	return settings.Record{}.Merge(r)
}
