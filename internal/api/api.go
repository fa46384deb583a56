// Package api serves the public HTTP surface: the popup websocket, the
// config entry endpoints and the state change webhook.
package api

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/nkkko/statepopup/internal/api/errors"
	"github.com/nkkko/statepopup/internal/api/validation"
	"github.com/nkkko/statepopup/internal/logging"
	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/nkkko/statepopup/internal/notifier"
	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/internal/source"
	"github.com/nkkko/statepopup/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Request body limit in bytes
	BodyLimit int

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Comma separated allowed origins
	CORSOrigins string

	// Metrics endpoint
	MetricsEnabled bool
	MetricsPath    string

	// Requests per minute per client IP; zero disables the limiter
	RequestsPerMinute int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		BodyLimit:      1024 * 1024, // 1MB
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		CORSOrigins:    "*",
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// API handles HTTP endpoints
type API struct {
	config   Config
	app      *fiber.App
	entry    ConfigEntry
	pipeline Pipeline
	notifier *notifier.Notifier
	ingest   Ingest
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewAPI creates a new API instance. ingest may be nil when state changes
// come from an upstream connection instead of the webhook.
func NewAPI(config Config, entry ConfigEntry, pipeline Pipeline, n *notifier.Notifier, ingest Ingest) *API {
	logger := log.With().Str("component", "api").Logger()

	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.BodyLimit == 0 {
		config.BodyLimit = defaults.BodyLimit
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
	if config.CORSOrigins == "" {
		config.CORSOrigins = defaults.CORSOrigins
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaults.MetricsPath
	}

	a := &API{
		config:   config,
		entry:    entry,
		pipeline: pipeline,
		notifier: n,
		ingest:   ingest,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}
	a.app = a.newApp()
	return a
}

// App returns the Fiber app, mainly for tests
func (a *API) App() *fiber.App {
	return a.app
}

func (a *API) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           a.config.ReadTimeout,
		WriteTimeout:          a.config.WriteTimeout,
		IdleTimeout:           a.config.IdleTimeout,
		BodyLimit:             a.config.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          a.handleError,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logging.FiberMiddleware())
	app.Use(a.instrument)
	app.Use(cors.New(cors.Config{
		AllowOrigins: a.config.CORSOrigins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
	}))
	if a.config.RequestsPerMinute > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        a.config.RequestsPerMinute,
			Expiration: time.Minute,
			Next: func(c *fiber.Ctx) bool {
				// Long lived push connections are limited per message instead
				return c.Path() == notifier.Path
			},
			LimitReached: func(c *fiber.Ctx) error {
				return a.sendError(c, &errors.APIError{
					Type:     errors.ErrorTypeValidation,
					Code:     "rate_limited",
					Message:  "Too many requests",
					HTTPCode: fiber.StatusTooManyRequests,
				})
			},
		}))
	}

	a.registerRoutes(app)
	return app
}

// Start runs the server until ctx is done
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.app.Listen(a.config.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops accepting requests and waits for active ones
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	return a.app.ShutdownWithContext(ctx)
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(app *fiber.App) {
	// Health checks
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	app.Get("/readyz", a.handleReady)

	if a.config.MetricsEnabled {
		handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		app.Get(a.config.MetricsPath, func(c *fiber.Ctx) error {
			handler(c.Context())
			return nil
		})
	}

	// Popup push endpoint
	if a.notifier != nil {
		a.notifier.RegisterWebSocketHandler(app)
	}

	// Config entry endpoints
	cfg := app.Group("/config")
	cfg.Get("/data", a.handleGetData)
	cfg.Put("/data", a.handlePutData)
	cfg.Get("/options", a.handleGetOptions)
	cfg.Put("/options", a.handlePutOptions)
	cfg.Delete("/options", a.handleResetOptions)
	cfg.Get("/effective", a.handleGetEffective)

	// State change webhook
	app.Post("/events", a.handlePostEvent)
}

// instrument records request count and latency by route. Errors are
// rendered here so the recorded status is the one sent.
func (a *API) instrument(c *fiber.Ctx) error {
	start := time.Now()
	if err := c.Next(); err != nil {
		if herr := c.App().ErrorHandler(c, err); herr != nil {
			_ = c.SendStatus(fiber.StatusInternalServerError)
		}
	}

	route := c.Route().Path
	status := c.Response().StatusCode()
	a.metrics.APIRequestsTotal.WithLabelValues(c.Method(), route, statusClass(status)).Inc()
	a.metrics.APIRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
	return nil
}

func (a *API) handleReady(c *fiber.Ctx) error {
	if a.pipeline == nil || a.pipeline.Config() == nil {
		return errors.UnavailableError("not_configured", "No popup configuration is active")
	}
	return c.SendString("OK")
}

func (a *API) handleGetData(c *fiber.Ctx) error {
	return a.getLayer(c, a.entry.GetData)
}

func (a *API) handleGetOptions(c *fiber.Ctx) error {
	return a.getLayer(c, a.entry.GetOptions)
}

func (a *API) handlePutData(c *fiber.Ctx) error {
	return a.putLayer(c, a.entry.PutData)
}

func (a *API) handlePutOptions(c *fiber.Ctx) error {
	return a.putLayer(c, a.entry.PutOptions)
}

// handleResetOptions drops the options layer
func (a *API) handleResetOptions(c *fiber.Ctx) error {
	if err := a.entry.ResetOptions(c.UserContext()); err != nil {
		a.logger.Error().Err(err).Msg("Failed to reset options")
		return errors.InternalError("storage_error", "Failed to reset options")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (a *API) getLayer(c *fiber.Ctx, get func(context.Context) (settings.Record, error)) error {
	record, err := get(c.UserContext())
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NotFoundError("layer_not_found", "Layer has not been configured")
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to read config layer")
		return errors.InternalError("storage_error", "Failed to read configuration")
	}
	return a.sendData(c, fiber.StatusOK, record)
}

func (a *API) putLayer(c *fiber.Ctx, put func(context.Context, settings.Record) error) error {
	var record settings.Record
	if err := c.BodyParser(&record); err != nil {
		return errors.ValidationError("invalid_body", "Request body must be a JSON object")
	}
	if record == nil {
		record = settings.Record{}
	}
	if err := validation.Record(record); err != nil {
		return err
	}

	if err := put(c.UserContext(), record); err != nil {
		a.logger.Error().Err(err).Msg("Failed to store config layer")
		return errors.InternalError("storage_error", "Failed to store configuration")
	}
	return a.sendData(c, fiber.StatusOK, record)
}

// handleGetEffective returns the configuration the router is using
func (a *API) handleGetEffective(c *fiber.Ctx) error {
	cfg := a.pipeline.Config()
	if cfg == nil {
		return errors.UnavailableError("not_configured", "No popup configuration is active")
	}
	return a.sendData(c, fiber.StatusOK, cfg.ToRecord())
}

// handlePostEvent accepts one state_changed event
func (a *API) handlePostEvent(c *fiber.Ctx) error {
	if a.ingest == nil {
		return errors.UnavailableError("webhook_disabled", "State changes are read from an upstream connection")
	}

	change, err := source.DecodeStateChanged(c.Body())
	if err != nil {
		a.metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		return errors.ValidationError("invalid_event", err.Error())
	}

	if err := a.ingest.Emit(c.UserContext(), change); err != nil {
		if stderrors.Is(err, source.ErrStopped) {
			return errors.UnavailableError("source_stopped", "Event source is not running")
		}
		return errors.UnavailableError("queue_full", err.Error())
	}
	return a.sendData(c, fiber.StatusAccepted, nil)
}

// envelope is the JSON body of every API response
type envelope struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
}

func (a *API) sendData(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(envelope{
		Success:   true,
		RequestID: requestID(c),
		Data:      data,
	})
}

func (a *API) sendError(c *fiber.Ctx, apiErr *errors.APIError) error {
	id := requestID(c)
	return c.Status(apiErr.HTTPCode).JSON(envelope{
		Success:   false,
		RequestID: id,
		Error:     apiErr.WithRequestID(id),
	})
}

// handleError renders handler errors as the JSON envelope
func (a *API) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if stderrors.As(err, &fe) {
		apiErr := &errors.APIError{
			Type:     errors.ErrorTypeValidation,
			Code:     "http_error",
			Message:  fe.Message,
			HTTPCode: fe.Code,
		}
		if fe.Code >= fiber.StatusInternalServerError {
			apiErr.Type = errors.ErrorTypeInternal
		} else if fe.Code == fiber.StatusNotFound {
			apiErr.Type = errors.ErrorTypeNotFound
		}
		return a.sendError(c, apiErr)
	}
	return a.sendError(c, errors.FromError(err))
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok {
		return id
	}
	return ""
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
