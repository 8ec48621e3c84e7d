package actions

import (
	"slices"
	"time"

	"github.com/mikeyg42/sentrycam/internal/event"
)

// DefaultCooldown spaces out repeated actions for one event type.
const DefaultCooldown = 10 * time.Second

// Policy decides which events fire actions.
type Policy struct {
	// TriggerTypes lists the event types that fire. Empty means every type.
	TriggerTypes  []string
	MinConfidence float64

	// Cooldown is the minimum gap between two firings of one event type.
	// Zero disables it.
	Cooldown time.Duration
}

// DefaultPolicy fires on any motion or gesture event, at most once per
// DefaultCooldown per type.
func DefaultPolicy() Policy {
	return Policy{
		TriggerTypes: []string{string(event.ModeMotion), string(event.ModeGesture)},
		Cooldown:     DefaultCooldown,
	}
}

// Matches reports whether e qualifies by type and confidence. Events with
// no confidence pass the confidence check.
func (p Policy) Matches(e event.Event) bool {
	if len(p.TriggerTypes) > 0 && !slices.Contains(p.TriggerTypes, e.Type) {
		return false
	}
	if e.Confidence != nil && *e.Confidence < p.MinConfidence {
		return false
	}
	return true
}
