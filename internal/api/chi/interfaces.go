package chi

import (
	"github.com/nkkko/statepopup/internal/cooldown"
	"github.com/nkkko/statepopup/internal/notifier"
	"github.com/nkkko/statepopup/internal/settings"
)

// Subscribers defines what the admin API reads from the subscription hub.
// Method signatures match notifier.Hub.
type Subscribers interface {
	Count() int

	// Snapshot lists subscriptions ordered by connection and request id
	Snapshot() []notifier.SubscriberInfo
}

// Pipeline defines what the admin API reads from the event router.
// Method signatures match router.Router.
type Pipeline interface {
	// Config returns the active configuration, or nil
	Config() *settings.EffectiveConfig

	// Ledger returns the active cooldown ledger, or nil
	Ledger() *cooldown.Ledger

	// Prune drops ledger entries older than the cooldown
	Prune() int
}
