package notifier

import (
	"github.com/nkkko/statepopup/pkg/proto"
)

// Sink delivers popups for one subscription to its connection
type Sink interface {
	Deliver(msg *proto.PopupMessage) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(msg *proto.PopupMessage) error

// Deliver calls f(msg)
func (f SinkFunc) Deliver(msg *proto.PopupMessage) error {
	return f(msg)
}
