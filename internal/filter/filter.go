// Package filter decides whether a state change qualifies for a popup.
package filter

import (
	"strings"

	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/pkg/proto"
)

// Verdict names the rule that decided a change
type Verdict string

const (
	Admitted          Verdict = "admitted"
	RejectNoNewState  Verdict = "no_new_state"
	RejectUnchanged   Verdict = "unchanged"
	RejectNotAllowed  Verdict = "entity_not_allowed"
	RejectExcluded    Verdict = "domain_excluded"
	RejectNotIncluded Verdict = "domain_not_included"
)

// Admit reports whether change passes every filter rule of cfg
func Admit(cfg *settings.EffectiveConfig, change *proto.StateChange) bool {
	return Evaluate(cfg, change) == Admitted
}

// Evaluate applies the rules in order and returns the first one that
// rejects, or Admitted. It has no side effects.
func Evaluate(cfg *settings.EffectiveConfig, change *proto.StateChange) Verdict {
	if change == nil || change.NewState == nil {
		return RejectNoNewState
	}
	if change.OldState != nil && change.OldState.State == change.NewState.State {
		return RejectUnchanged
	}
	if len(cfg.Entities) > 0 && !cfg.Entities.Has(change.EntityID) {
		return RejectNotAllowed
	}

	domain := Domain(change.EntityID)
	if len(cfg.ExcludeDomains) > 0 && cfg.ExcludeDomains.Has(domain) {
		return RejectExcluded
	}
	if len(cfg.IncludeDomains) > 0 && !cfg.IncludeDomains.Has(domain) {
		return RejectNotIncluded
	}
	return Admitted
}

// Domain returns the part of an entity id before its first '.'
func Domain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return entityID
}
