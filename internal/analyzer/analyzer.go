// Package analyzer defines the per-frame detection capability.
package analyzer

import (
	"errors"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/event"
	"github.com/mikeyg42/sentrycam/internal/frame"
)

// ErrUnavailable means an analyzer could not be constructed on this host,
// for example because a model file is missing.
var ErrUnavailable = errors.New("analyzer unavailable")

// Analyzer inspects one frame and reports what it found. Process must not
// panic and must not modify its input; an annotated result is a new frame.
// A nil frame in the result means "use the input unchanged".
type Analyzer interface {
	Process(f *frame.Frame) (*frame.Frame, []event.Raw)
}

// Func adapts a plain function to Analyzer.
type Func func(f *frame.Frame) (*frame.Frame, []event.Raw)

// Process implements Analyzer.
func (fn Func) Process(f *frame.Frame) (*frame.Frame, []event.Raw) { return fn(f) }

type noop struct{}

func (noop) Process(f *frame.Frame) (*frame.Frame, []event.Raw) { return f, nil }

// Noop returns every frame unchanged and never emits events.
var Noop Analyzer = noop{}

// OrNoop returns a when err is nil. Otherwise it logs the reason once and
// returns Noop; the mode stays degraded for the life of the process.
func OrNoop(mode event.Mode, a Analyzer, err error, logger *zap.Logger) Analyzer {
	if err == nil && a != nil {
		return a
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err == nil {
		err = ErrUnavailable
	}
	logger.Warn("Analyzer disabled, frames pass through unchanged",
		zap.String("mode", mode.String()),
		zap.Error(err))
	return Noop
}

// Set maps each mode to its analyzer.
type Set map[event.Mode]Analyzer

// For returns the analyzer for mode, or Noop.
func (s Set) For(mode event.Mode) Analyzer {
	if a, ok := s[mode]; ok && a != nil {
		return a
	}
	return Noop
}

// Degraded reports the modes that have no working analyzer.
func (s Set) Degraded() []event.Mode {
	var out []event.Mode
	for _, m := range event.Modes() {
		if s.For(m) == Noop {
			out = append(out, m)
		}
	}
	return out
}
