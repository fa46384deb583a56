package api

import (
	"context"

	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/pkg/proto"
)

// ConfigEntry is the stored config entry the API edits.
// Method signatures match storage.Entry.
type ConfigEntry interface {
	GetData(ctx context.Context) (settings.Record, error)
	PutData(ctx context.Context, record settings.Record) error
	GetOptions(ctx context.Context) (settings.Record, error)
	PutOptions(ctx context.Context, record settings.Record) error
	ResetOptions(ctx context.Context) error
}

// Pipeline exposes the configuration currently driving the router
type Pipeline interface {
	Config() *settings.EffectiveConfig
}

// Ingest accepts state changes posted over HTTP
type Ingest interface {
	Emit(ctx context.Context, change *proto.StateChange) error
}
