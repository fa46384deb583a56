// Package validation checks settings records submitted over HTTP before
// they are stored. The resolver itself never rejects input.
package validation

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/nkkko/statepopup/internal/api/errors"
	"github.com/nkkko/statepopup/internal/settings"
	"github.com/nkkko/statepopup/pkg/proto"
)

// Cooldown bounds accepted from clients, in seconds
const (
	MinCooldown = 0
	MaxCooldown = 120
)

// FieldError describes one invalid key
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Record validates every known key of a settings layer. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Record(r settings.Record) error {
	var problems []FieldError
	add := func(field, format string, args ...any) {
		problems = append(problems, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	for key, value := range r {
		switch key {
		case settings.KeyEntities:
			items, ok := List(value)
			if !ok {
				add(key, "must be a list of entity ids")
				continue
			}
			for _, id := range items {
				if !EntityID(id) {
					add(key, "invalid entity id %q", id)
				}
			}

		case settings.KeyIncludeDomains, settings.KeyExcludeDomains:
			items, ok := List(value)
			if !ok {
				add(key, "must be a list of domains")
				continue
			}
			for _, d := range items {
				if d == "" || strings.Contains(d, ".") {
					add(key, "invalid domain %q", d)
				}
			}

		case settings.KeyCooldown:
			if err := Cooldown(value); err != nil {
				add(key, "%s", err.Error())
			}

		case settings.KeyBackgroundURL:
			if value == nil {
				continue
			}
			s, ok := value.(string)
			if !ok {
				add(key, "must be a string")
				continue
			}
			if s != "" && !URL(s) {
				add(key, "must be an absolute URL")
			}

		case settings.KeyTextColor, settings.KeyFontSize:
			if s, ok := value.(string); !ok || strings.TrimSpace(s) == "" {
				add(key, "must be a non-empty string")
			}

		case settings.KeyTextPosition:
			s, ok := value.(string)
			if !ok || !proto.TextPosition(s).Valid() {
				add(key, "must be one of top, center, bottom")
			}

		default:
			add(key, "unknown setting")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.ValidationError("invalid_settings", "Settings failed validation").WithDetails(problems)
}

// List accepts a list of strings or a single string
func List(v any) ([]string, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case string:
		return []string{t}, true
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// EntityID reports whether id has the form domain.object
func EntityID(id string) bool {
	domain, object, ok := strings.Cut(id, ".")
	return ok && domain != "" && object != "" && !strings.ContainsAny(id, " \t\n")
}

// Cooldown checks a numeric or numeric-string cooldown against the bounds
func Cooldown(v any) error {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return fmt.Errorf("must be a number")
		}
		f = parsed
	default:
		return fmt.Errorf("must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("must be a finite number")
	}
	if f < MinCooldown || f > MaxCooldown {
		return fmt.Errorf("must be between %d and %d seconds", MinCooldown, MaxCooldown)
	}
	return nil
}

// URL reports whether s is an absolute http(s) URL
func URL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
