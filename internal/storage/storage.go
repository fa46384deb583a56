// Package storage keeps the popup config entry: a base data layer and an
// options layer that overrides it.
package storage

import (
	"context"
	"errors"

	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/internal/storage/badger"
)

// Config entry layers, lowest priority first
const (
	LayerData    = "data"
	LayerOptions = "options"
)

// ErrNotFound is returned when a layer has never been stored
var ErrNotFound = badger.ErrNotFound

// EntryStore persists settings records by layer
type EntryStore interface {
	// Start runs background maintenance until ctx is done
	Start(ctx context.Context) error

	// Shutdown releases the store
	Shutdown(ctx context.Context) error

	// Get returns the record of a layer or ErrNotFound
	Get(ctx context.Context, layer string) (settings.Record, error)

	// Put replaces the record of a layer
	Put(ctx context.Context, layer string, record settings.Record) error

	// Delete removes a layer
	Delete(ctx context.Context, layer string) error

	// Updates signals after writes
	Updates() <-chan struct{}
}

// Entry is the config entry view over a store
type Entry struct {
	store EntryStore
}

// NewEntry wraps store
func NewEntry(store EntryStore) *Entry {
	return &Entry{store: store}
}

// Store returns the underlying store
func (e *Entry) Store() EntryStore {
	return e.store
}

// GetData returns the base data layer
func (e *Entry) GetData(ctx context.Context) (settings.Record, error) {
	return e.store.Get(ctx, LayerData)
}

// PutData replaces the base data layer
func (e *Entry) PutData(ctx context.Context, record settings.Record) error {
	return e.store.Put(ctx, LayerData, record)
}

// GetOptions returns the options layer
func (e *Entry) GetOptions(ctx context.Context) (settings.Record, error) {
	return e.store.Get(ctx, LayerOptions)
}

// PutOptions replaces the options layer
func (e *Entry) PutOptions(ctx context.Context, record settings.Record) error {
	return e.store.Put(ctx, LayerOptions, record)
}

// ResetOptions drops the options layer so the data layer applies alone
func (e *Entry) ResetOptions(ctx context.Context) error {
	return e.store.Delete(ctx, LayerOptions)
}

// Layers returns both layers; a missing layer is returned as nil
func (e *Entry) Layers(ctx context.Context) (data, options settings.Record, err error) {
	data, err = e.GetData(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	options, err = e.GetOptions(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	return data, options, nil
}

// Updates signals after writes to the entry
func (e *Entry) Updates() <-chan struct{} {
	return e.store.Updates()
}
