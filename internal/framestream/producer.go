package framestream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentrycam/internal/camera"
	"github.com/mikeyg42/sentrycam/internal/frame"
)

// ErrAlreadyRunning is returned by Run when another Run is active.
var ErrAlreadyRunning = errors.New("producer already running")

// Source is the capture side of the loop.
type Source interface {
	Open() error
	Read() (*frame.Frame, error)
	Close() error
}

// Stepper processes one frame and returns what should be streamed.
type Stepper interface {
	Step(ctx context.Context, f *frame.Frame) *frame.Frame
}

// ProducerConfig tunes the loop.
type ProducerConfig struct {
	FPSLimit int

	// MaxReadFailures consecutive empty reads end the loop with
	// camera.ErrDeviceUnavailable. 0 retries forever.
	MaxReadFailures int
}

// ProducerStats counts loop activity.
type ProducerStats struct {
	Running       bool
	FramesRead    int64
	ReadFailures  int64
	EncodeErrors  int64
	CyclePanics   int64
	Published     int64
	LastFrameTime time.Time
}

// Producer is the single worker that drives capture, the pipeline and the
// publisher. It never waits on a consumer.
type Producer struct {
	cfg       ProducerConfig
	source    Source
	stepper   Stepper
	encoder   frame.Encoder
	publisher *Publisher
	throttle  *Throttle
	logger    *zap.Logger

	isRunning atomic.Bool

	stats struct {
		framesRead    atomic.Int64
		readFailures  atomic.Int64
		encodeErrors  atomic.Int64
		cyclePanics   atomic.Int64
		published     atomic.Int64
		lastFrameTime atomic.Value // stores time.Time
	}
}

// NewProducer wires a producer. A nil encoder falls back to frame.JPEGEncoder.
func NewProducer(cfg ProducerConfig, source Source, stepper Stepper, encoder frame.Encoder, publisher *Publisher, logger *zap.Logger) *Producer {
	if encoder == nil {
		encoder = frame.JPEGEncoder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		cfg:       cfg,
		source:    source,
		stepper:   stepper,
		encoder:   encoder,
		publisher: publisher,
		throttle:  NewThrottle(cfg.FPSLimit),
		logger:    logger.Named("producer"),
	}
	p.stats.lastFrameTime.Store(time.Time{})
	return p
}

// Run opens the source and loops until ctx is done or the device is gone.
// The source is closed on every exit path, panics included. Run returns
// ctx.Err() on cancellation and an error wrapping
// camera.ErrDeviceUnavailable when the device cannot be used.
func (p *Producer) Run(ctx context.Context) error {
	if !p.isRunning.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.isRunning.Store(false)

	if err := p.source.Open(); err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() {
		if err := p.source.Close(); err != nil {
			p.logger.Warn("Error closing source", zap.Error(err))
		}
	}()

	p.logger.Info("Producer started",
		zap.Int("fps_limit", p.cfg.FPSLimit),
		zap.Int("max_read_failures", p.cfg.MaxReadFailures))

	consecutive := 0
	for {
		if err := p.throttle.Wait(ctx); err != nil {
			p.logger.Info("Producer stopping", zap.Error(err))
			return err
		}

		f, err := p.source.Read()
		if err != nil {
			if !errors.Is(err, camera.ErrNoFrame) {
				return fmt.Errorf("read source: %w", err)
			}
			p.stats.readFailures.Add(1)
			consecutive++
			if p.cfg.MaxReadFailures > 0 && consecutive >= p.cfg.MaxReadFailures {
				p.logger.Error("Camera stopped producing frames", zap.Int("consecutive_failures", consecutive))
				return fmt.Errorf("%w: %d consecutive empty reads", camera.ErrDeviceUnavailable, consecutive)
			}
			continue
		}
		consecutive = 0

		p.cycle(ctx, f)
	}
}

// cycle steps, encodes and publishes one frame. A panic ends only this cycle.
func (p *Producer) cycle(ctx context.Context, f *frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.cyclePanics.Add(1)
			p.logger.Error("Frame cycle panicked", zap.Uint64("seq", f.Seq), zap.Any("panic", r))
		}
	}()

	n := p.stats.framesRead.Add(1)
	p.stats.lastFrameTime.Store(time.Now())

	out := p.stepper.Step(ctx, f)
	if out == nil {
		out = f
	}

	data, err := p.encoder.Encode(out)
	if err != nil {
		p.stats.encodeErrors.Add(1)
		p.logger.Debug("Encode failed, frame not published", zap.Uint64("seq", f.Seq), zap.Error(err))
		return
	}
	p.publisher.Publish(data)
	p.stats.published.Add(1)

	// ~10 seconds at 15fps
	if n%150 == 0 {
		p.logStats()
	}
}

func (p *Producer) logStats() {
	s := p.Stats()
	p.logger.Info("Producer stats",
		zap.Int64("frames", s.FramesRead),
		zap.Int64("published", s.Published),
		zap.Int64("read_failures", s.ReadFailures),
		zap.Int64("encode_errors", s.EncodeErrors),
		zap.Int64("panics", s.CyclePanics))
}

// IsRunning reports whether Run is active.
func (p *Producer) IsRunning() bool {
	return p.isRunning.Load()
}

// Stats returns current statistics
func (p *Producer) Stats() ProducerStats {
	last, _ := p.stats.lastFrameTime.Load().(time.Time)
	return ProducerStats{
		Running:       p.isRunning.Load(),
		FramesRead:    p.stats.framesRead.Load(),
		ReadFailures:  p.stats.readFailures.Load(),
		EncodeErrors:  p.stats.encodeErrors.Load(),
		CyclePanics:   p.stats.cyclePanics.Load(),
		Published:     p.stats.published.Load(),
		LastFrameTime: last,
	}
}
