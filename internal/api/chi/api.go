// Package chi serves the admin API: health, metrics and read-only views of
// the pipeline state. It is meant to listen on a private address.
package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nkkko/statepopup/internal/api/errors"
	"github.com/nkkko/statepopup/internal/api/response"
	"github.com/nkkko/statepopup/internal/logging"
	"github.com/nkkko/statepopup/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains admin API configuration
type Config struct {
	// Server address
	Addr string

	// Allowed CORS origins
	CORSOrigins []string

	// Serve /metrics
	MetricsEnabled bool

	// Name used for server spans
	ServiceName string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8081",
		CORSOrigins:    []string{"*"},
		MetricsEnabled: true,
		ServiceName:    telemetry.TracerName,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
	}
}

// ChiAPI serves the admin endpoints using Chi router
type ChiAPI struct {
	config      Config
	router      *chi.Mux
	server      *http.Server
	subscribers Subscribers
	pipeline    Pipeline
	logger      zerolog.Logger
}

// NewChiAPI creates a new admin API instance
func NewChiAPI(config Config, subscribers Subscribers, pipeline Pipeline) *ChiAPI {
	logger := log.With().Str("component", "api-admin").Logger()

	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if len(config.CORSOrigins) == 0 {
		config.CORSOrigins = defaults.CORSOrigins
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}

	a := &ChiAPI{
		config:      config,
		subscribers: subscribers,
		pipeline:    pipeline,
		logger:      logger,
	}
	a.router = a.newRouter()
	return a
}

// Handler returns the HTTP handler, mainly for tests
func (a *ChiAPI) Handler() http.Handler {
	return a.router
}

func (a *ChiAPI) newRouter() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	return r
}

// Start runs the server until ctx is done
func (a *ChiAPI) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting admin API server")

	a.server = &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully shuts down the server
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	a.logger.Info().Msg("Shutting down admin API server")
	return a.server.Shutdown(ctx)
}

// registerRoutes sets up all admin endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", a.handleReady)

	if a.config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/debug", func(r chi.Router) {
		r.Get("/subscribers", a.handleSubscribers)
		r.Get("/config", a.handleConfig)
		r.Get("/cooldown", a.handleCooldown)
		r.Post("/cooldown/prune", a.handlePrune)
		r.Put("/log-level", a.handleLogLevel)
	})
}

func (a *ChiAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.pipeline.Config() == nil {
		response.Error(w, r, errors.UnavailableError("not_configured", "No popup configuration is active"))
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]bool{"ready": true})
}

// handleSubscribers lists live subscriptions
func (a *ChiAPI) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	snapshot := a.subscribers.Snapshot()

	response.JSON(w, r, http.StatusOK, map[string]any{
		"count":         len(snapshot),
		"subscriptions": snapshot,
	})
}

// handleConfig returns the active configuration
func (a *ChiAPI) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := a.pipeline.Config()
	if cfg == nil {
		response.Error(w, r, errors.NotFoundError("not_configured", "No popup configuration is active"))
		return
	}
	response.JSON(w, r, http.StatusOK, cfg.ToRecord())
}

// cooldownView is one ledger entry
type cooldownView struct {
	EntityID  string    `json:"entity_id"`
	LastShown time.Time `json:"last_shown"`
	Remaining float64   `json:"remaining_seconds"`
}

// handleCooldown lists when each entity last produced a popup
func (a *ChiAPI) handleCooldown(w http.ResponseWriter, r *http.Request) {
	cfg, ledger := a.pipeline.Config(), a.pipeline.Ledger()
	if cfg == nil || ledger == nil {
		response.Error(w, r, errors.NotFoundError("not_configured", "No popup configuration is active"))
		return
	}

	now := time.Now()
	window := cfg.CooldownDuration()
	entries := make([]cooldownView, 0, ledger.Len())
	for id, last := range ledger.Snapshot() {
		remaining := window - now.Sub(last)
		if remaining < 0 {
			remaining = 0
		}
		entries = append(entries, cooldownView{EntityID: id, LastShown: last, Remaining: remaining.Seconds()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EntityID < entries[j].EntityID })

	response.JSON(w, r, http.StatusOK, map[string]any{
		"cooldown_seconds": cfg.Cooldown,
		"entries":          entries,
	})
}

// handlePrune drops expired ledger entries
func (a *ChiAPI) handlePrune(w http.ResponseWriter, r *http.Request) {
	removed := a.pipeline.Prune()
	a.logger.Info().Int("removed", removed).Msg("Cooldown ledger pruned")
	response.JSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}

type logLevelRequest struct {
	Level string `json:"level"`
}

// handleLogLevel changes the global log level at runtime
func (a *ChiAPI) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, errors.ValidationError("invalid_body", "Invalid request body"))
		return
	}
	if err := logging.SetLevel(logging.LogLevel(req.Level)); err != nil {
		response.Error(w, r, errors.ValidationError("invalid_level", err.Error()))
		return
	}

	a.logger.Info().Str("level", req.Level).Msg("Log level changed")
	response.JSON(w, r, http.StatusOK, req)
}
