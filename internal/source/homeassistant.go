package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrAuthInvalid is returned when the upstream rejects the access token
var ErrAuthInvalid = errors.New("home assistant rejected the access token")

const stateChangedEvent = "state_changed"

// HomeAssistantConfig contains upstream connection settings
type HomeAssistantConfig struct {
	// Websocket URL, e.g. ws://homeassistant.local:8123/api/websocket
	URL string

	// Long-lived access token
	Token string

	// Dial and auth handshake timeout
	HandshakeTimeout time.Duration

	// Reconnect backoff window
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultHomeAssistantConfig returns default upstream settings
func DefaultHomeAssistantConfig() HomeAssistantConfig {
	return HomeAssistantConfig{
		URL:              "ws://localhost:8123/api/websocket",
		HandshakeTimeout: 10 * time.Second,
		MinBackoff:       time.Second,
		MaxBackoff:       time.Minute,
	}
}

// HomeAssistantSource subscribes to state_changed events over the Home
// Assistant websocket API and reconnects when the connection drops.
type HomeAssistantSource struct {
	config  HomeAssistantConfig
	dialer  *websocket.Dialer
	stop    chan struct{}
	once    sync.Once
	connMu  sync.Mutex
	conn    *websocket.Conn
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewHomeAssistantSource creates an upstream source
func NewHomeAssistantSource(config HomeAssistantConfig) *HomeAssistantSource {
	defaults := DefaultHomeAssistantConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = defaults.MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}

	return &HomeAssistantSource{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		stop:    make(chan struct{}),
		logger:  log.With().Str("component", "source").Str("source", "homeassistant").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Start connects and forwards events until ctx is done or Stop is called.
// Transient failures are retried with exponential backoff; an invalid
// token ends Start with ErrAuthInvalid.
func (s *HomeAssistantSource) Start(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
			s.closeConn()
		case <-ctx.Done():
			s.closeConn()
		}
	}()

	s.logger.Info().Str("url", s.config.URL).Msg("Starting Home Assistant source")

	backoff := s.config.MinBackoff
	for {
		connectedAt := time.Now()
		err := s.run(ctx, handler)
		s.metrics.SourceConnected.WithLabelValues("homeassistant").Set(0)

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthInvalid) {
			s.logger.Error().Err(err).Msg("Giving up on Home Assistant source")
			return err
		}

		// A connection that stayed up for a while starts the backoff over
		if time.Since(connectedAt) > s.config.MaxBackoff {
			backoff = s.config.MinBackoff
		}

		s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Home Assistant connection lost")
		s.metrics.SourceReconnectsTotal.WithLabelValues("homeassistant").Inc()

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}

		backoff *= 2
		if backoff > s.config.MaxBackoff {
			backoff = s.config.MaxBackoff
		}
	}
}

// Stop ends Start and closes the upstream connection
func (s *HomeAssistantSource) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// run serves one connection until it fails
func (s *HomeAssistantSource) run(ctx context.Context, handler Handler) error {
	conn, _, err := s.dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.config.URL, err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer s.closeConn()

	if err := s.authenticate(conn); err != nil {
		return err
	}

	const subscriptionID = 1
	if err := conn.WriteJSON(upstreamCommand{
		ID:        subscriptionID,
		Type:      "subscribe_events",
		EventType: stateChangedEvent,
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.metrics.SourceConnected.WithLabelValues("homeassistant").Set(1)
	s.logger.Info().Msg("Subscribed to Home Assistant state changes")

	for {
		var msg upstreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read upstream message: %w", err)
		}

		switch msg.Type {
		case "result":
			if msg.ID == subscriptionID && !msg.Success {
				return fmt.Errorf("subscribe_events rejected: %s", msg.errorMessage())
			}
		case "event":
			if msg.ID != subscriptionID || msg.Event == nil {
				continue
			}
			change, err := DecodeStateChanged(msg.Event)
			if err != nil {
				s.logger.Debug().Err(err).Msg("Dropping malformed upstream event")
				continue
			}
			handler(ctx, change)
		}
	}
}

// authenticate performs the auth_required / auth / auth_ok exchange
func (s *HomeAssistantSource) authenticate(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg upstreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read auth request: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("unexpected handshake message %q", msg.Type)
	}

	if err := conn.WriteJSON(upstreamCommand{Type: "auth", AccessToken: s.config.Token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
	default:
		return fmt.Errorf("unexpected auth response %q", msg.Type)
	}
}

func (s *HomeAssistantSource) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

type upstreamCommand struct {
	ID          int    `json:"id,omitempty"`
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
	EventType   string `json:"event_type,omitempty"`
}

type upstreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type upstreamMessage struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   *upstreamError  `json:"error"`
	Event   json.RawMessage `json:"event"`
}

func (m upstreamMessage) errorMessage() string {
	if m.Error != nil {
		return m.Error.Code + ": " + m.Error.Message
	}
	return m.Message
}

type upstreamEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string         `json:"entity_id"`
		OldState *upstreamState `json:"old_state"`
		NewState *upstreamState `json:"new_state"`
	} `json:"data"`
}

type upstreamState struct {
	State       string `json:"state"`
	LastChanged string `json:"last_changed"`
	Attributes  struct {
		FriendlyName string `json:"friendly_name"`
	} `json:"attributes"`
}

// DecodeStateChanged converts a state_changed event body into a StateChange.
// A missing new_state is kept as nil so the filter can reject it.
func DecodeStateChanged(raw []byte) (*proto.StateChange, error) {
	var event upstreamEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.EventType != "" && event.EventType != stateChangedEvent {
		return nil, fmt.Errorf("unexpected event type %q", event.EventType)
	}
	if event.Data.EntityID == "" {
		return nil, errors.New("event has no entity_id")
	}

	return &proto.StateChange{
		EntityID: event.Data.EntityID,
		OldState: convertState(event.Data.OldState),
		NewState: convertState(event.Data.NewState),
	}, nil
}

func convertState(st *upstreamState) *proto.EntityState {
	if st == nil {
		return nil
	}
	out := &proto.EntityState{
		State:        st.State,
		FriendlyName: st.Attributes.FriendlyName,
	}
	if st.LastChanged != "" {
		if ts, err := time.Parse(time.RFC3339Nano, st.LastChanged); err == nil {
			out.LastChanged = timestamppb.New(ts)
		}
	}
	return out
}
