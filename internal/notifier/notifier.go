package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Path is where the push endpoint is mounted
const Path = "/api/websocket"

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between websocket pings
	HeartbeatInterval time.Duration

	// Deadline for a single write to a client
	WriteTimeout time.Duration

	// Popups buffered per subscription before new ones are dropped
	QueueSize int

	// Inbound command rate per connection; zero disables the limit
	MessagesPerSecond float64
	MessageBurst      int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:       60 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		WriteTimeout:      10 * time.Second,
		QueueSize:         100,
		MessagesPerSecond: 20,
		MessageBurst:      40,
	}
}

// client is one live websocket connection
type client struct {
	session *session
	conn    *websocket.Conn
}

// Notifier serves the popup websocket endpoint
type Notifier struct {
	config  Config
	hub     *Hub
	clients map[string]*client
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewNotifier creates a notifier delivering through hub
func NewNotifier(config Config, hub *Hub) *Notifier {
	logger := log.With().Str("component", "notifier").Logger()

	defaults := DefaultConfig()
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.QueueSize == 0 {
		config.QueueSize = defaults.QueueSize
	}
	if hub == nil {
		hub = NewHub(config.QueueSize)
	}

	return &Notifier{
		config:  config,
		hub:     hub,
		clients: make(map[string]*client),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}
}

// Hub returns the subscription hub
func (n *Notifier) Hub() *Hub {
	return n.hub
}

// Start runs the heartbeat loop until ctx is done
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().Msg("Starting popup notifier")

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.sendHeartbeats()
		case <-ctx.Done():
			return nil
		}
	}
}

// RegisterWebSocketHandler mounts the push endpoint on a Fiber app
func (n *Notifier) RegisterWebSocketHandler(app fiber.Router) {
	app.Use(Path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get(Path, websocket.New(n.handleConnection))
}

// handleConnection serves one websocket client until it goes away
func (n *Notifier) handleConnection(conn *websocket.Conn) {
	connID := generateID()

	var limiter *rate.Limiter
	if n.config.MessagesPerSecond > 0 {
		burst := n.config.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(n.config.MessagesPerSecond), burst)
	}

	write := func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	sess := newSession(connID, n.hub, limiter, write, n.logger)

	n.mu.Lock()
	n.clients[connID] = &client{session: sess, conn: conn}
	n.mu.Unlock()
	n.metrics.NotifierConnectionsActive.Inc()
	defer n.removeClient(connID)

	n.logger.Debug().Str("conn_id", connID).Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(n.config.MaxIdleTime))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				n.logger.Debug().Err(err).Str("conn_id", connID).Msg("WebSocket read error")
			}
			return
		}
		_ = extend()

		if messageType == websocket.TextMessage {
			sess.handleMessage(message)
		}
	}
}

// removeClient drops a connection and its subscriptions
func (n *Notifier) removeClient(connID string) {
	n.mu.Lock()
	c, exists := n.clients[connID]
	if exists {
		delete(n.clients, connID)
	}
	n.mu.Unlock()

	if !exists {
		return
	}

	c.session.close()
	_ = c.conn.Close()
	n.metrics.NotifierConnectionsActive.Dec()

	n.logger.Debug().Str("conn_id", connID).Msg("Client removed")
}

// sendHeartbeats pings every client; a failed ping closes the connection
func (n *Notifier) sendHeartbeats() {
	n.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(n.clients))
	for id, c := range n.clients {
		conns[id] = c.conn
	}
	n.mu.RUnlock()

	deadline := time.Now().Add(n.config.WriteTimeout)
	for id, conn := range conns {
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			n.logger.Debug().Err(err).Str("conn_id", id).Msg("Heartbeat failed")
			_ = conn.Close()
		}
	}
}

// ConnectionCount returns the number of open connections
func (n *Notifier) ConnectionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// Shutdown closes every connection and the hub
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.logger.Info().Msg("Shutting down notifier")

	if err := n.hub.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Error closing hub")
	}

	n.mu.Lock()
	closed := len(n.clients)
	for id, c := range n.clients {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second),
		)
		_ = c.conn.Close()
		delete(n.clients, id)
		n.metrics.NotifierConnectionsActive.Dec()
	}
	n.mu.Unlock()

	n.logger.Info().Int("closed_clients", closed).Msg("All client connections closed")
	return nil
}

// Variable for generating unique connection IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
