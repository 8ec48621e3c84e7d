package vision

import (
	"fmt"
	"image"
	"os"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentrycam/internal/analyzer"
	"github.com/mikeyg42/sentrycam/internal/config"
	"github.com/mikeyg42/sentrycam/internal/event"
	"github.com/mikeyg42/sentrycam/internal/frame"
)

// GestureAnalyzer finds hands with a Haar cascade and reports a gesture
// event for every frame in which at least one hand is visible.
type GestureAnalyzer struct {
	cfg    config.GestureConfig
	logger *zap.Logger

	mu         sync.Mutex
	classifier gocv.CascadeClassifier
}

// NewGestureAnalyzer loads the cascade named by cfg.CascadePath. A missing
// or unreadable model is reported as analyzer.ErrUnavailable.
func NewGestureAnalyzer(cfg config.GestureConfig, logger *zap.Logger) (*GestureAnalyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CascadePath == "" {
		return nil, fmt.Errorf("%w: no gesture cascade configured", analyzer.ErrUnavailable)
	}
	if _, err := os.Stat(cfg.CascadePath); err != nil {
		return nil, fmt.Errorf("%w: %v", analyzer.ErrUnavailable, err)
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.CascadePath) {
		classifier.Close()
		return nil, fmt.Errorf("%w: could not load cascade %s", analyzer.ErrUnavailable, cfg.CascadePath)
	}

	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = 1.1
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 40
	}

	logger = logger.Named("gesture")
	logger.Info("Gesture analyzer enabled", zap.String("cascade", cfg.CascadePath))
	return &GestureAnalyzer{cfg: cfg, logger: logger, classifier: classifier}, nil
}

// Process implements analyzer.Analyzer.
func (g *GestureAnalyzer) Process(f *frame.Frame) (*frame.Frame, []event.Raw) {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, err := ToMat(f)
	if err != nil {
		g.logger.Debug("Skipping frame", zap.Error(err))
		return f, nil
	}
	defer src.Close()

	view := gocv.NewMat()
	defer view.Close()
	if g.cfg.Mirror {
		gocv.Flip(src, &view, 1)
	} else {
		src.CopyTo(&view)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	switch view.Channels() {
	case 3:
		gocv.CvtColor(view, &gray, gocv.ColorBGRToGray)
	case 4:
		gocv.CvtColor(view, &gray, gocv.ColorBGRAToGray)
	default:
		view.CopyTo(&gray)
	}
	gocv.EqualizeHist(gray, &gray)

	minSize := image.Pt(g.cfg.MinSize, g.cfg.MinSize)
	hands := g.classifier.DetectMultiScaleWithParams(gray, g.cfg.ScaleFactor, 4, 0, minSize, image.Point{})

	// a mirrored view is returned even when nothing was found, so the
	// stream does not flip back and forth
	if len(hands) == 0 {
		if g.cfg.Mirror {
			return FromMat(view, f), nil
		}
		return f, nil
	}

	var union image.Rectangle
	for _, r := range hands {
		gocv.Rectangle(&view, r, boxColor, 2)
		union = union.Union(r)
	}
	gocv.PutText(&view, "Hand detected", image.Pt(10, 24), gocv.FontHersheySimplex, 0.7, labelColor, 2)

	raw := event.Raw{
		Type:       string(event.ModeGesture),
		Confidence: event.Float(1.0),
		Timestamp:  f.CapturedAt,
		Region:     union,
		Meta: map[string]any{
			"status": "hand_detected",
			"hands":  len(hands),
		},
	}
	return FromMat(view, f), []event.Raw{raw}
}

// Close releases the classifier.
func (g *GestureAnalyzer) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.classifier.Close()
}
