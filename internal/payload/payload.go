package payload

import (
	"time"

	"github.com/nkkko/statepopup/pkg/proto"
)

// Build assembles the popup record for an admitted change.
// The result depends only on its inputs.
func Build(change *proto.StateChange, style proto.Style) *proto.PopupMessage {
	msg := &proto.PopupMessage{
		EntityID: change.EntityID,
		Style:    copyStyle(style),
	}

	if change.OldState != nil {
		old := change.OldState.State
		msg.Old = &old
	}

	if change.NewState != nil {
		msg.New = change.NewState.State
		msg.FriendlyName = change.NewState.FriendlyName
		msg.LastChanged = formatTimestamp(change.NewState)
	}
	if msg.FriendlyName == "" {
		msg.FriendlyName = change.EntityID
	}

	return msg
}

func formatTimestamp(state *proto.EntityState) string {
	if state.LastChanged == nil || !state.LastChanged.IsValid() {
		return ""
	}
	return state.LastChanged.AsTime().UTC().Format(time.RFC3339Nano)
}

// copyStyle detaches the message from the config's background pointer
func copyStyle(style proto.Style) proto.Style {
	out := style
	if style.BackgroundURL != nil {
		bg := *style.BackgroundURL
		out.BackgroundURL = &bg
	}
	return out
}
