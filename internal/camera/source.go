// Package camera owns the capture device. Nothing else in the process opens
// or reads the device directly; the producer loop goes through Source.
package camera

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/frame"
)

var (
	// ErrDeviceUnavailable means the device could not be opened or configured,
	// or stopped producing frames for good. It is fatal to the producer.
	ErrDeviceUnavailable = errors.New("camera device unavailable")

	// ErrNotOpen is returned by Read before Open succeeded.
	ErrNotOpen = errors.New("camera not opened, call Open first")

	// ErrNoFrame is a transient read failure: the device returned no frame.
	ErrNoFrame = errors.New("camera returned no frame")
)

// Settings are what the opener needs to acquire and size the device.
type Settings struct {
	Index  int
	Width  int
	Height int
}

// Device is an opened capture handle. It is not safe for concurrent use;
// Source serializes every call.
type Device interface {
	// Read returns the next frame, or ErrNoFrame when the device had none.
	Read() (*frame.Frame, error)
	Close() error
}

// Opener acquires a device.
type Opener func(Settings) (Device, error)

// Stats counts what the source has seen since construction
type Stats struct {
	FramesRead   uint64
	ReadFailures uint64
	Opens        uint64
}

// Source is the exclusive owner of the capture device.
type Source struct {
	settings Settings
	opener   Opener
	logger   *zap.Logger

	mu    sync.Mutex
	dev   Device
	seq   uint64
	stats Stats
	now   func() time.Time
}

// NewSource creates a closed source. Call Open before Read.
func NewSource(settings Settings, opener Opener, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		settings: settings,
		opener:   opener,
		logger:   logger.Named("camera"),
		now:      time.Now,
	}
}

// Open acquires the device. Calling Open on an open source is a no-op.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		return nil
	}

	dev, err := s.opener(s.settings)
	if err != nil {
		s.logger.Error("Could not open camera",
			zap.Int("index", s.settings.Index),
			zap.Error(err))
		return fmt.Errorf("%w: index %d: %v", ErrDeviceUnavailable, s.settings.Index, err)
	}
	if dev == nil {
		return fmt.Errorf("%w: index %d: opener returned no device", ErrDeviceUnavailable, s.settings.Index)
	}

	s.dev = dev
	s.stats.Opens++
	s.logger.Info("Camera opened",
		zap.Int("index", s.settings.Index),
		zap.Int("width", s.settings.Width),
		zap.Int("height", s.settings.Height))
	return nil
}

// Read returns the next frame. A transient miss is reported as ErrNoFrame.
// Frames get a per-source sequence number and a capture timestamp.
func (s *Source) Read() (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil, ErrNotOpen
	}

	f, err := s.dev.Read()
	if err == nil && !f.Valid() {
		err = ErrNoFrame
	}
	if err != nil {
		s.stats.ReadFailures++
		if !errors.Is(err, ErrNoFrame) {
			err = fmt.Errorf("%w: %v", ErrNoFrame, err)
		}
		return nil, err
	}

	s.seq++
	s.stats.FramesRead++
	if f.Seq == 0 {
		f.Seq = s.seq
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = s.now()
	}
	return f, nil
}

// Close releases the device. Closing a closed source is a no-op.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}

	err := s.dev.Close()
	s.dev = nil
	if err != nil {
		s.logger.Warn("Error releasing camera", zap.Error(err))
		return fmt.Errorf("close camera: %w", err)
	}
	s.logger.Info("Camera released")
	return nil
}

// IsOpen reports whether the device is held.
func (s *Source) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// Stats returns a copy of the source counters.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
