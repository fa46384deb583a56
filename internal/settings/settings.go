// Package settings resolves the layered popup settings into one
// immutable EffectiveConfig.
package settings

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nkkko/statepopup/pkg/proto"
)

// Setting keys shared by every layer
const (
	KeyEntities       = "entities"
	KeyIncludeDomains = "include_domains"
	KeyExcludeDomains = "exclude_domains"
	KeyCooldown       = "cooldown"
	KeyBackgroundURL  = "background_url"
	KeyTextColor      = "text_color"
	KeyTextPosition   = "text_position"
	KeyFontSize       = "font_size"
)

// Default values applied when no layer sets a key
const (
	DefaultCooldown     = 2.0
	DefaultTextColor    = "#ffffff"
	DefaultFontSize     = "16px"
	DefaultTextPosition = proto.TextPositionCenter
)

// Record is one layer of raw settings as stored or submitted
type Record map[string]any

// Defaults returns the built-in default layer
func Defaults() Record {
	return Record{
		KeyEntities:       []string{},
		KeyIncludeDomains: []string{},
		KeyExcludeDomains: []string{},
		KeyCooldown:       DefaultCooldown,
		KeyTextColor:      DefaultTextColor,
		KeyTextPosition:   string(DefaultTextPosition),
		KeyFontSize:       DefaultFontSize,
	}
}

// Merge returns a new record with the keys of every layer applied in order
func (r Record) Merge(layers ...Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Set is an unordered collection of identifiers
type Set map[string]struct{}

// NewSet builds a set from the given items, skipping blanks
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		s[item] = struct{}{}
	}
	return s
}

// Has reports membership
func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Sorted returns the members in lexical order
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// EffectiveConfig is the resolved configuration for one active entry.
// It must not be mutated after Resolve returns it.
type EffectiveConfig struct {
	Entities       Set
	IncludeDomains Set
	ExcludeDomains Set
	// Cooldown in seconds, never negative
	Cooldown float64
	Style    proto.Style
}

// MaxCooldownSeconds is the largest cooldown a time.Duration can hold
const MaxCooldownSeconds = float64(math.MaxInt64 / int64(time.Second))

// CooldownDuration converts the cooldown to a time.Duration, saturating at
// the largest representable duration
func (c *EffectiveConfig) CooldownDuration() time.Duration {
	if c.Cooldown >= MaxCooldownSeconds {
		return time.Duration(MaxCooldownSeconds) * time.Second
	}
	return time.Duration(c.Cooldown * float64(time.Second))
}

// ToRecord renders the config back into a flat record
func (c *EffectiveConfig) ToRecord() Record {
	r := Record{
		KeyEntities:       c.Entities.Sorted(),
		KeyIncludeDomains: c.IncludeDomains.Sorted(),
		KeyExcludeDomains: c.ExcludeDomains.Sorted(),
		KeyCooldown:       c.Cooldown,
		KeyTextColor:      c.Style.TextColor,
		KeyTextPosition:   string(c.Style.TextPosition),
		KeyFontSize:       c.Style.FontSize,
	}
	if c.Style.BackgroundURL != nil {
		r[KeyBackgroundURL] = *c.Style.BackgroundURL
	} else {
		r[KeyBackgroundURL] = nil
	}
	return r
}

// Resolve merges defaults and every layer (later wins) into an
// EffectiveConfig. It never fails: missing or malformed values fall back
// to empty sets or the defaults.
func Resolve(defaults Record, layers ...Record) *EffectiveConfig {
	merged := defaults.Merge(layers...)

	cfg := &EffectiveConfig{
		Entities:       NewSet(stringList(merged[KeyEntities])...),
		IncludeDomains: NewSet(stringList(merged[KeyIncludeDomains])...),
		ExcludeDomains: NewSet(stringList(merged[KeyExcludeDomains])...),
		Cooldown:       cooldownValue(merged[KeyCooldown]),
		Style: proto.Style{
			BackgroundURL: optionalString(merged[KeyBackgroundURL]),
			TextColor:     stringOr(merged[KeyTextColor], DefaultTextColor),
			TextPosition:  positionOr(merged[KeyTextPosition], DefaultTextPosition),
			FontSize:      stringOr(merged[KeyFontSize], DefaultFontSize),
		},
	}
	return cfg
}

// stringList coerces a list-valued setting; a scalar becomes a one-item list
func stringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func cooldownValue(v any) float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return DefaultCooldown
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return DefaultCooldown
		}
		f = parsed
	default:
		return DefaultCooldown
	}
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > MaxCooldownSeconds {
		return MaxCooldownSeconds
	}
	return f
}

func optionalString(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func positionOr(v any, fallback proto.TextPosition) proto.TextPosition {
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	p := proto.TextPosition(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return fallback
	}
	return p
}
