// Package router runs the popup pipeline: filter, cooldown, payload and
// fan-out, against one active configuration at a time.
package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/statepopup/internal/cooldown"
	"github.com/nkkko/statepopup/internal/filter"
	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/nkkko/statepopup/internal/payload"
	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/internal/source"
	"github.com/nkkko/statepopup/internal/telemetry"
	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrAlreadyStarted is returned when Start is called twice
var ErrAlreadyStarted = errors.New("router already started")

var errMissingEntity = errors.New("change has no entity id")

// Outcome is what happened to one state change
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeThrottled Outcome = "throttled"
	OutcomeNoConfig  Outcome = "no_config"
	OutcomeMalformed Outcome = "malformed"
)

// Publisher fans popups out to subscribers
type Publisher interface {
	Publish(msg *proto.PopupMessage) int
}

// Config contains router configuration
type Config struct {
	// Interval between cooldown ledger prunes; zero disables pruning
	PruneInterval time.Duration

	// Maximum number of entities a ledger remembers
	LedgerCapacity int
}

// DefaultConfig returns a default router configuration
func DefaultConfig() Config {
	return Config{
		PruneInterval:  time.Minute,
		LedgerCapacity: cooldown.DefaultCapacity,
	}
}

// active pairs a resolved configuration with its own cooldown ledger
type active struct {
	config *settings.EffectiveConfig
	ledger *cooldown.Ledger
	since  time.Time
}

// Router processes state changes one at a time
type Router struct {
	config    Config
	publisher Publisher
	current   atomic.Pointer[active]

	// mu serialises pipeline runs
	mu sync.Mutex

	srcMu   sync.Mutex
	src     source.EventSource
	started bool

	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRouter creates a router publishing through publisher. It drops every
// change until SetConfig installs a configuration.
func NewRouter(config Config, publisher Publisher) *Router {
	if config.LedgerCapacity <= 0 {
		config.LedgerCapacity = cooldown.DefaultCapacity
	}

	return &Router{
		config:    config,
		publisher: publisher,
		now:       time.Now,
		logger:    log.With().Str("component", "router").Logger(),
		metrics:   metrics.GetMetrics(),
	}
}

// SetConfig replaces the active configuration. The new configuration gets
// a fresh cooldown ledger.
func (r *Router) SetConfig(cfg *settings.EffectiveConfig) error {
	if cfg == nil {
		r.current.Store(nil)
		r.metrics.CooldownEntries.Set(0)
		r.logger.Info().Msg("Configuration cleared")
		return nil
	}

	ledger, err := cooldown.NewLedger(r.config.LedgerCapacity)
	if err != nil {
		return err
	}
	r.current.Store(&active{config: cfg, ledger: ledger, since: r.now()})
	r.metrics.CooldownEntries.Set(0)

	r.logger.Info().
		Strs("entities", cfg.Entities.Sorted()).
		Strs("include_domains", cfg.IncludeDomains.Sorted()).
		Strs("exclude_domains", cfg.ExcludeDomains.Sorted()).
		Float64("cooldown", cfg.Cooldown).
		Msg("Configuration applied")
	return nil
}

// Config returns the active configuration, or nil
func (r *Router) Config() *settings.EffectiveConfig {
	if a := r.current.Load(); a != nil {
		return a.config
	}
	return nil
}

// Ledger returns the active cooldown ledger, or nil
func (r *Router) Ledger() *cooldown.Ledger {
	if a := r.current.Load(); a != nil {
		return a.ledger
	}
	return nil
}

// Handle processes a change; it is the source.Handler of the router
func (r *Router) Handle(ctx context.Context, change *proto.StateChange) {
	r.Process(ctx, change)
}

// Process runs filter, cooldown, payload and publish for one change
func (r *Router) Process(ctx context.Context, change *proto.StateChange) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() {
		r.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	r.metrics.EventsReceivedTotal.Inc()

	ctx, span := telemetry.StartSpan(telemetry.ContextWithLogger(ctx, r.logger), "router.Process")
	defer span.End()
	span.SetAttributes(telemetry.ChangeAttributes(change)...)
	logger := telemetry.LoggerFromContext(ctx)

	if change == nil || change.EntityID == "" {
		r.metrics.EventsDroppedTotal.WithLabelValues(string(OutcomeMalformed)).Inc()
		telemetry.MarkSpanError(ctx, errMissingEntity)
		logger.Debug().Msg("Dropping change without entity id")
		return r.finish(ctx, OutcomeMalformed)
	}

	a := r.current.Load()
	if a == nil {
		r.metrics.EventsDroppedTotal.WithLabelValues(string(OutcomeNoConfig)).Inc()
		logger.Debug().Str("entity_id", change.EntityID).Msg("No active configuration, dropping change")
		return r.finish(ctx, OutcomeNoConfig)
	}

	if verdict := filter.Evaluate(a.config, change); verdict != filter.Admitted {
		r.metrics.EventsFilteredTotal.WithLabelValues(string(verdict)).Inc()
		logger.Debug().Str("entity_id", change.EntityID).Str("reason", string(verdict)).Msg("Change filtered")
		return r.finish(ctx, OutcomeFiltered)
	}

	if !cooldown.Allow(a.ledger, a.config.CooldownDuration(), change.EntityID, r.now()) {
		r.metrics.EventsThrottledTotal.Inc()
		logger.Debug().Str("entity_id", change.EntityID).Msg("Change within cooldown window")
		return r.finish(ctx, OutcomeThrottled)
	}
	r.metrics.CooldownEntries.Set(float64(a.ledger.Len()))

	msg := payload.Build(change, a.config.Style)
	delivered := 0
	if r.publisher != nil {
		delivered = r.publisher.Publish(msg)
	}
	r.metrics.EventsAcceptedTotal.Inc()

	telemetry.AddSpanEvent(ctx, "published", attribute.Int("subscribers", delivered))
	logger.Debug().
		Str("entity_id", change.EntityID).
		Str("new", msg.New).
		Int("subscribers", delivered).
		Msg("Popup published")

	return r.finish(ctx, OutcomeDelivered)
}

func (r *Router) finish(ctx context.Context, outcome Outcome) Outcome {
	telemetry.AddSpanEvent(ctx, "outcome", attribute.String("outcome", string(outcome)))
	return outcome
}

// Start runs src into the pipeline and prunes the ledger periodically.
// It blocks until src stops.
func (r *Router) Start(ctx context.Context, src source.EventSource) error {
	r.srcMu.Lock()
	if r.started {
		r.srcMu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.src = src
	r.srcMu.Unlock()

	r.logger.Info().Msg("Starting popup router")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.config.PruneInterval > 0 {
		go r.pruneLoop(ctx)
	}

	return src.Start(ctx, r.Handle)
}

// Stop stops the running source
func (r *Router) Stop() error {
	r.srcMu.Lock()
	src := r.src
	r.srcMu.Unlock()

	if src == nil {
		return nil
	}
	r.logger.Info().Msg("Stopping popup router")
	return src.Stop()
}

// pruneLoop drops elapsed ledger entries until ctx is done
func (r *Router) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(r.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Prune()
		case <-ctx.Done():
			return
		}
	}
}

// Prune removes ledger entries whose cooldown has already elapsed
func (r *Router) Prune() int {
	a := r.current.Load()
	if a == nil {
		return 0
	}

	removed := a.ledger.Prune(r.now(), a.config.CooldownDuration())
	r.metrics.CooldownEntries.Set(float64(a.ledger.Len()))
	if removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("Pruned cooldown ledger")
	}
	return removed
}
