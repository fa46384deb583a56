package proto

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// TextPosition is where the popup text is anchored inside the card
type TextPosition string

const (
	TextPositionTop    TextPosition = "top"
	TextPositionCenter TextPosition = "center"
	TextPositionBottom TextPosition = "bottom"
)

// Valid reports whether p is one of the known positions
func (p TextPosition) Valid() bool {
	switch p {
	case TextPositionTop, TextPositionCenter, TextPositionBottom:
		return true
	}
	return false
}

// EntityState is a snapshot of an entity's state at one point in time
type EntityState struct {
	State        string                 `json:"state"`
	FriendlyName string                 `json:"friendly_name,omitempty"`
	LastChanged  *timestamppb.Timestamp `json:"last_changed,omitempty"`
}

// StateChange is a single state transition reported by an event source.
// NewState is nil when the entity was removed.
type StateChange struct {
	EntityID string       `json:"entity_id"`
	OldState *EntityState `json:"old_state,omitempty"`
	NewState *EntityState `json:"new_state,omitempty"`
}

// Style carries the presentation attributes forwarded to the front-end
type Style struct {
	BackgroundURL *string      `json:"background_url"`
	TextColor     string       `json:"text_color"`
	TextPosition  TextPosition `json:"text_position"`
	FontSize      string       `json:"font_size"`
}

// PopupMessage is the record pushed to subscribed clients
type PopupMessage struct {
	EntityID     string  `json:"entity_id"`
	Old          *string `json:"old"`
	New          string  `json:"new"`
	FriendlyName string  `json:"friendly_name"`
	LastChanged  string  `json:"last_changed"`
	Style        Style   `json:"style"`
}

// Websocket message types
const (
	TypeSubscribe         = "state_popup/subscribe"
	TypeUnsubscribeEvents = "unsubscribe_events"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeResult            = "result"
	TypeEvent             = "event"
)

// Command is a client → server websocket message
type Command struct {
	ID           int    `json:"id"`
	Type         string `json:"type"`
	Subscription int    `json:"subscription,omitempty"`
}

// CommandError describes a failed command
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultMessage acknowledges a command
type ResultMessage struct {
	ID      int           `json:"id"`
	Type    string        `json:"type"`
	Success bool          `json:"success"`
	Result  any           `json:"result,omitempty"`
	Error   *CommandError `json:"error,omitempty"`
}

// EventMessage carries one popup to the subscription identified by ID
type EventMessage struct {
	ID    int           `json:"id"`
	Type  string        `json:"type"`
	Event *PopupMessage `json:"event"`
}

// SubscribeAck is the result body of a successful subscribe
type SubscribeAck struct {
	OK bool `json:"ok"`
}

// NewResult builds a successful result message
func NewResult(id int, result any) *ResultMessage {
	return &ResultMessage{ID: id, Type: TypeResult, Success: true, Result: result}
}

// NewErrorResult builds a failed result message
func NewErrorResult(id int, code, message string) *ResultMessage {
	return &ResultMessage{
		ID:      id,
		Type:    TypeResult,
		Success: false,
		Error:   &CommandError{Code: code, Message: message},
	}
}

// NewEvent wraps a popup for the subscription id
func NewEvent(id int, msg *PopupMessage) *EventMessage {
	return &EventMessage{ID: id, Type: TypeEvent, Event: msg}
}

// Encode marshals any protocol message
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("statepopup: encode message: %w", err)
	}
	return data, nil
}

// Error wraps an error message for consistent error handling
type Error struct {
	Message string
}

// NewError creates a new Error
func NewError(msg string) error {
	return &Error{Message: msg}
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("statepopup: %s", e.Message)
}
