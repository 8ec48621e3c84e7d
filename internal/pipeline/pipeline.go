// Package pipeline turns one captured frame into an annotated frame plus
// stored, enriched events.
package pipeline

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/analyzer"
	"github.com/mikeyg42/sentrycam/internal/event"
	"github.com/mikeyg42/sentrycam/internal/frame"
)

// Dispatcher runs side effects for a single event and returns meta to
// merge into it.
type Dispatcher interface {
	Trigger(ctx context.Context, e event.Event, f *frame.Frame) map[string]any
}

// Store receives finished events.
type Store interface {
	Add(e event.Event)
}

// Config holds pipeline settings.
type Config struct {
	DefaultMode event.Mode
}

// Stats counts pipeline work.
type Stats struct {
	FramesStepped  uint64
	EventsStored   uint64
	AnalyzerPanics uint64
}

// Pipeline owns the current mode and the last frames. Step is called by a
// single producer; Mode, SetMode, LastFrames and Stats are safe from any
// goroutine.
type Pipeline struct {
	analyzers  analyzer.Set
	dispatcher Dispatcher
	store      Store
	logger     *zap.Logger
	newID      func() string

	mode atomic.Pointer[event.Mode]

	framesMu      sync.RWMutex
	lastRaw       *frame.Frame
	lastAnnotated *frame.Frame

	// lastTS is only touched by Step
	lastTS time.Time

	stepped, stored, panics atomic.Uint64
}

// New creates a pipeline. An invalid default mode falls back to motion.
func New(cfg Config, analyzers analyzer.Set, dispatcher Dispatcher, store Store, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		analyzers:  analyzers,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger.Named("pipeline"),
		newID:      func() string { return uuid.NewString() },
	}

	mode, err := event.ParseMode(string(cfg.DefaultMode))
	if err != nil {
		p.logger.Warn("Invalid default mode, using motion", zap.Error(err))
		mode = event.ModeMotion
	}
	p.mode.Store(&mode)
	return p
}

// Mode returns the current mode.
func (p *Pipeline) Mode() event.Mode {
	return *p.mode.Load()
}

// SetMode switches the analysis mode. An invalid value returns an error
// wrapping event.ErrInvalidMode and leaves the mode unchanged.
func (p *Pipeline) SetMode(s string) error {
	mode, err := event.ParseMode(s)
	if err != nil {
		return err
	}
	prev := p.mode.Swap(&mode)
	if *prev != mode {
		p.logger.Info("Mode changed",
			zap.String("from", prev.String()),
			zap.String("to", mode.String()))
	}
	return nil
}

// Step processes exactly one frame. Every event the analyzer reports is
// enriched, dispatched and stored before Step returns. The returned frame
// is the annotated one, or f when the analyzer produced none.
func (p *Pipeline) Step(ctx context.Context, f *frame.Frame) *frame.Frame {
	mode := p.Mode()
	p.stepped.Add(1)

	annotated, raws := p.analyze(mode, f)
	if annotated == nil {
		annotated = f
	}

	for _, raw := range raws {
		e := p.enrich(mode, f, raw)

		if p.dispatcher != nil {
			if meta := p.dispatcher.Trigger(ctx, e, f); len(meta) > 0 {
				if e.Meta == nil {
					e.Meta = make(map[string]any, len(meta))
				}
				maps.Copy(e.Meta, meta)
			}
		}

		if p.store != nil {
			p.store.Add(e)
			p.stored.Add(1)
		}
	}

	p.framesMu.Lock()
	p.lastRaw = f
	p.lastAnnotated = annotated
	p.framesMu.Unlock()

	return annotated
}

func (p *Pipeline) analyze(mode event.Mode, f *frame.Frame) (out *frame.Frame, raws []event.Raw) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Analyzer panicked, frame passed through",
				zap.String("mode", mode.String()),
				zap.Any("panic", r))
			out, raws = f, nil
		}
	}()
	return p.analyzers.For(mode).Process(f)
}

// enrich fills defaults and stamps identity. Timestamps never go backwards
// relative to the previous stored event.
func (p *Pipeline) enrich(mode event.Mode, f *frame.Frame, raw event.Raw) event.Event {
	e := event.Event{
		ID:         p.newID(),
		Type:       raw.Type,
		Confidence: raw.Confidence,
		Timestamp:  raw.Timestamp,
		Mode:       mode,
	}
	if e.Type == "" {
		e.Type = string(mode)
	}
	if e.Timestamp.IsZero() && f != nil {
		e.Timestamp = f.CapturedAt
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Timestamp.Before(p.lastTS) {
		e.Timestamp = p.lastTS
	}
	p.lastTS = e.Timestamp

	if len(raw.Meta) > 0 {
		e.Meta = maps.Clone(raw.Meta)
	}
	if !raw.Region.Empty() {
		if e.Meta == nil {
			e.Meta = make(map[string]any, 1)
		}
		e.Meta["region"] = map[string]int{
			"x": raw.Region.Min.X,
			"y": raw.Region.Min.Y,
			"w": raw.Region.Dx(),
			"h": raw.Region.Dy(),
		}
	}
	return e
}

// LastFrames returns the most recent raw and annotated frames, nil before
// the first Step. Callers must not modify them.
func (p *Pipeline) LastFrames() (raw, annotated *frame.Frame) {
	p.framesMu.RLock()
	defer p.framesMu.RUnlock()
	return p.lastRaw, p.lastAnnotated
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesStepped:  p.stepped.Load(),
		EventsStored:   p.stored.Load(),
		AnalyzerPanics: p.panics.Load(),
	}
}

// Degraded lists the modes running without a working analyzer.
func (p *Pipeline) Degraded() []event.Mode {
	return p.analyzers.Degraded()
}
