// Package source produces state changes for the popup pipeline.
package source

import (
	"context"
	"errors"
	"sync"

	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned when emitting into a stopped source
var ErrStopped = errors.New("source stopped")

// Handler receives every state change a source produces
type Handler func(ctx context.Context, change *proto.StateChange)

// EventSource delivers state changes to a handler until stopped.
// Start blocks until ctx is done or Stop is called.
type EventSource interface {
	Start(ctx context.Context, handler Handler) error
	Stop() error
}

// ChannelSource feeds changes pushed through Emit to its handler
type ChannelSource struct {
	events chan *proto.StateChange
	stop   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// NewChannelSource creates a source buffering up to buffer changes
func NewChannelSource(buffer int) *ChannelSource {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSource{
		events: make(chan *proto.StateChange, buffer),
		stop:   make(chan struct{}),
		logger: log.With().Str("component", "source").Str("source", "channel").Logger(),
	}
}

// Emit queues a change, waiting for buffer space
func (s *ChannelSource) Emit(ctx context.Context, change *proto.StateChange) error {
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}

	select {
	case s.events <- change:
		return nil
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start passes queued changes to handler one at a time
func (s *ChannelSource) Start(ctx context.Context, handler Handler) error {
	s.logger.Info().Msg("Starting channel source")

	for {
		select {
		case change := <-s.events:
			handler(ctx, change)
		case <-s.stop:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop ends Start; further Emit calls fail with ErrStopped
func (s *ChannelSource) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
