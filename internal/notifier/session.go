package notifier

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/nkkko/statepopup/internal/metrics"
	"github.com/nkkko/statepopup/pkg/proto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Error codes returned in failed command results
const (
	CodeInvalidFormat  = "invalid_format"
	CodeUnknownCommand = "unknown_command"
	CodeIDReuse        = "id_reuse"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
)

// session is the command handler for one client connection
type session struct {
	id      string
	hub     *Hub
	limiter *rate.Limiter

	// writeMu serialises every write to the connection
	writeMu sync.Mutex
	write   func(data []byte) error

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func newSession(id string, hub *Hub, limiter *rate.Limiter, write func([]byte) error, logger zerolog.Logger) *session {
	return &session{
		id:      id,
		hub:     hub,
		limiter: limiter,
		write:   write,
		logger:  logger.With().Str("conn_id", id).Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// send encodes v and writes it to the connection
func (s *session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sendLocked(v)
}

func (s *session) sendLocked(v any) error {
	data, err := proto.Encode(v)
	if err != nil {
		return err
	}
	return s.write(data)
}

// handleMessage processes one client message
func (s *session) handleMessage(raw []byte) {
	var cmd proto.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to parse client message")
		s.reply(proto.NewErrorResult(0, CodeInvalidFormat, "Message incorrectly formatted"))
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.reply(proto.NewErrorResult(cmd.ID, CodeRateLimited, "Too many messages"))
		return
	}

	switch cmd.Type {
	case proto.TypeSubscribe:
		s.subscribe(cmd.ID)

	case proto.TypeUnsubscribeEvents:
		s.hub.Unsubscribe(s.id, cmd.Subscription)
		s.reply(proto.NewResult(cmd.ID, nil))

	case proto.TypePing:
		s.reply(&proto.ResultMessage{ID: cmd.ID, Type: proto.TypePong, Success: true})

	default:
		s.logger.Debug().Str("type", cmd.Type).Msg("Unknown client command")
		s.reply(proto.NewErrorResult(cmd.ID, CodeUnknownCommand, "Unknown command."))
	}
}

// subscribe registers the request id and acknowledges it. The write lock is
// held across both steps so the ack always precedes the first event.
func (s *session) subscribe(requestID int) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sink := SinkFunc(func(msg *proto.PopupMessage) error {
		return s.send(proto.NewEvent(requestID, msg))
	})

	_, err := s.hub.Subscribe(s.id, requestID, sink)
	switch {
	case errors.Is(err, ErrDuplicateSubscription):
		s.replyLocked(proto.NewErrorResult(requestID, CodeIDReuse, "Identifier values have to increase."))
		return
	case err != nil:
		s.replyLocked(proto.NewErrorResult(requestID, CodeUnavailable, err.Error()))
		return
	}

	s.replyLocked(proto.NewResult(requestID, proto.SubscribeAck{OK: true}))
}

func (s *session) reply(v any) {
	if err := s.send(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write reply")
	}
}

func (s *session) replyLocked(v any) {
	if err := s.sendLocked(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write reply")
	}
}

// close drops every subscription of this connection
func (s *session) close() {
	if n := s.hub.UnsubscribeConnection(s.id); n > 0 {
		s.logger.Debug().Int("subscriptions", n).Msg("Released connection subscriptions")
	}
}
