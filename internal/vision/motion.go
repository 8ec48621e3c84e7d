package vision

import (
	"image"
	"image/color"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentrycam/internal/analyzer"
	"github.com/mikeyg42/sentrycam/internal/config"
	"github.com/mikeyg42/sentrycam/internal/event"
	"github.com/mikeyg42/sentrycam/internal/frame"
)

var (
	boxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	labelColor = color.RGBA{R: 0, G: 0, B: 255, A: 255}
)

// MotionStats summarizes what the motion analyzer has seen.
type MotionStats struct {
	FramesProcessed   int64
	MotionFrames      int64
	LastMotionTime    time.Time
	AverageMotionArea float64
	MaxMotionArea     float64
	ProcessingTime    time.Duration
}

// MotionAnalyzer detects motion with MOG2 background subtraction.
type MotionAnalyzer struct {
	cfg    config.MotionConfig
	logger *zap.Logger

	mu     sync.Mutex
	mog2   gocv.BackgroundSubtractorMOG2
	kernel gocv.Mat
	gate   *analyzer.MotionGate
	stats  MotionStats
}

// NewMotionAnalyzer builds the background model.
func NewMotionAnalyzer(cfg config.MotionConfig, logger *zap.Logger) (*MotionAnalyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MotionAnalyzer{
		cfg:    cfg,
		logger: logger.Named("motion"),
		mog2:   gocv.NewBackgroundSubtractorMOG2(),
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: cfg.DilationSize, Y: cfg.DilationSize}),
		gate:   analyzer.NewMotionGate(cfg.MaxConsecutiveFrames, cfg.MinConsecutiveFrames),
	}, nil
}

// Process implements analyzer.Analyzer.
func (m *MotionAnalyzer) Process(f *frame.Frame) (*frame.Frame, []event.Raw) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	defer func() {
		m.stats.ProcessingTime = time.Since(start)
	}()

	src, err := ToMat(f)
	if err != nil {
		m.logger.Debug("Skipping frame", zap.Error(err))
		return f, nil
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if src.Channels() > 1 {
		code := gocv.ColorBGRToGray
		if src.Channels() == 4 {
			code = gocv.ColorBGRAToGray
		}
		gocv.CvtColor(src, &gray, code)
	} else {
		src.CopyTo(&gray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: m.cfg.BlurSize, Y: m.cfg.BlurSize}, 0, 0, gocv.BorderDefault)

	fgMask := gocv.NewMat()
	defer fgMask.Close()
	m.mog2.Apply(blurred, &fgMask)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(fgMask, &thresh, float32(m.cfg.Threshold), 255, gocv.ThresholdBinary)

	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(thresh, &dilated, m.kernel)

	contours := gocv.FindContours(dilated, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var (
		totalArea float64
		regions   []image.Rectangle
		union     image.Rectangle
	)
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area < float64(m.cfg.MinimumArea) {
			continue
		}
		totalArea += area
		r := gocv.BoundingRect(c)
		regions = append(regions, r)
		union = union.Union(r)
	}

	detected := len(regions) > 0
	m.stats.FramesProcessed++
	if detected {
		m.stats.MotionFrames++
		m.stats.LastMotionTime = time.Now()
		m.stats.AverageMotionArea = (m.stats.AverageMotionArea*float64(m.stats.MotionFrames-1) + totalArea) / float64(m.stats.MotionFrames)
		if totalArea > m.stats.MaxMotionArea {
			m.stats.MaxMotionArea = totalArea
		}
	}

	if !m.gate.Observe(detected) || !detected {
		return f, nil
	}

	annotated := src.Clone()
	defer annotated.Close()
	for _, r := range regions {
		gocv.Rectangle(&annotated, r, boxColor, 2)
	}
	gocv.PutText(&annotated, "Motion detected", image.Pt(10, 24), gocv.FontHersheySimplex, 0.7, labelColor, 2)

	confidence := totalArea / float64(f.Width*f.Height)
	if confidence > 1 {
		confidence = 1
	}

	raw := event.Raw{
		Type:       string(event.ModeMotion),
		Confidence: event.Float(confidence),
		Timestamp:  f.CapturedAt,
		Region:     union,
		Meta: map[string]any{
			"area":    totalArea,
			"regions": len(regions),
		},
	}
	return FromMat(annotated, f), []event.Raw{raw}
}

// Stats returns a copy of the analyzer counters.
func (m *MotionAnalyzer) Stats() MotionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close releases the background model.
func (m *MotionAnalyzer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mog2.Close()
	m.kernel.Close()
	return nil
}
