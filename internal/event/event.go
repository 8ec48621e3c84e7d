// Package event defines the structured records produced by frame analysis
// and the analysis modes that produce them.
package event

import (
	"errors"
	"fmt"
	"image"
	"maps"
	"time"
)

// ErrInvalidMode is returned when a mode value is not one of Modes().
var ErrInvalidMode = errors.New("invalid mode")

// Mode is the active analysis strategy.
type Mode string

const (
	ModeMotion  Mode = "motion"
	ModeGesture Mode = "gesture"
)

// Modes lists every valid mode.
func Modes() []Mode {
	return []Mode{ModeMotion, ModeGesture}
}

// ParseMode validates s. Only the exact mode names are accepted.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	switch m {
	case ModeMotion, ModeGesture:
		return m, nil
	}
	return "", fmt.Errorf("%w: mode must be 'motion' or 'gesture', got %q", ErrInvalidMode, s)
}

func (m Mode) String() string { return string(m) }

// Raw is what an analyzer reports for one detection. Zero fields are
// filled in by the pipeline before the event is stored.
type Raw struct {
	Type       string
	Confidence *float64
	Timestamp  time.Time
	Meta       map[string]any

	// Region is the detection's bounding box in frame coordinates, if any.
	Region image.Rectangle
}

// Event is a stored detection. Events are immutable once added to a store;
// Meta is fully populated before that point.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Confidence *float64       `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
	Mode       Mode           `json:"mode"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Clone copies e with its own Meta map. Nested values inside Meta are shared.
func (e Event) Clone() Event {
	if e.Meta != nil {
		e.Meta = maps.Clone(e.Meta)
	}
	if e.Confidence != nil {
		c := *e.Confidence
		e.Confidence = &c
	}
	return e
}

// Float returns a pointer to v, for building Confidence values.
func Float(v float64) *float64 {
	return &v
}
