// Package eventstore keeps the bounded in-memory history of detection
// events and mirrors every event into a durable log.
package eventstore

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/event"
)

// DefaultMaxEvents is used when New is given a non-positive capacity.
const DefaultMaxEvents = 500

// Store is a bounded FIFO of events with a single writer and any number of
// readers. Add holds the writer lock while it appends to the log and
// publishes a new immutable view; readers load the current view without
// locking, so they never block the writer and never see half an append.
type Store struct {
	max    int
	log    Log
	logger *zap.Logger

	mu   sync.Mutex // serializes writers
	view atomic.Pointer[[]event.Event]

	total     atomic.Uint64
	logErrors atomic.Uint64
}

// New creates a store holding at most max events. A nil log keeps events
// in memory only.
func New(max int, log Log, logger *zap.Logger) *Store {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	if log == nil {
		log = Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		max:    max,
		log:    log,
		logger: logger.Named("eventstore"),
	}
	empty := make([]event.Event, 0)
	s.view.Store(&empty)
	return s
}

// Add appends e, evicting the oldest event when full. A durable log failure
// is logged and counted; the event is still kept in memory.
func (s *Store) Add(e event.Event) {
	e = e.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.log.Append(e); err != nil {
		s.logErrors.Add(1)
		s.logger.Warn("Event log append failed",
			zap.String("event_id", e.ID),
			zap.Error(err))
	}

	cur := *s.view.Load()
	if len(cur) >= s.max {
		cur = cur[len(cur)-s.max+1:]
	}
	// Appending never writes inside a published view: it only touches the
	// slot past the current end, or reallocates.
	next := append(cur, e)
	s.view.Store(&next)
	s.total.Add(1)
}

// Latest returns up to n of the newest events, oldest first. The events
// are copies and may be modified freely.
func (s *Store) Latest(n int) []event.Event {
	cur := *s.view.Load()
	if n <= 0 {
		return []event.Event{}
	}
	if n < len(cur) {
		cur = cur[len(cur)-n:]
	}
	out := make([]event.Event, len(cur))
	for i := range cur {
		out[i] = cur[i].Clone()
	}
	return out
}

// Newest returns the most recent event.
func (s *Store) Newest() (event.Event, bool) {
	cur := *s.view.Load()
	if len(cur) == 0 {
		return event.Event{}, false
	}
	return cur[len(cur)-1].Clone(), true
}

// Len is the number of events currently held.
func (s *Store) Len() int { return len(*s.view.Load()) }

// Cap is the configured capacity.
func (s *Store) Cap() int { return s.max }

// Total counts every event ever added.
func (s *Store) Total() uint64 { return s.total.Load() }

// LogErrors counts failed durable appends.
func (s *Store) LogErrors() uint64 { return s.logErrors.Load() }

// Close closes the durable log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Close()
}
