// Package vision holds everything that needs OpenCV: the capture device,
// the motion and gesture analyzers and the native JPEG encoder. The rest of
// the process only sees frame.Frame.
package vision

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentrycam/internal/frame"
)

func matType(channels int) (gocv.MatType, error) {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	case 4:
		return gocv.MatTypeCV8UC4, nil
	}
	return 0, fmt.Errorf("%w: unsupported channel count %d", frame.ErrInvalidFrame, channels)
}

// ToMat copies f into a new Mat. The caller closes it unless err is set.
func ToMat(f *frame.Frame) (gocv.Mat, error) {
	if !f.Valid() {
		return gocv.Mat{}, frame.ErrInvalidFrame
	}
	mt, err := matType(f.Channels)
	if err != nil {
		return gocv.Mat{}, err
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Data)
}

// FromMat copies m into a new frame, keeping sequence and capture time
// from like when it is non-nil.
func FromMat(m gocv.Mat, like *frame.Frame) *frame.Frame {
	f := &frame.Frame{
		Width:    m.Cols(),
		Height:   m.Rows(),
		Channels: m.Channels(),
		Data:     m.ToBytes(),
	}
	if like != nil {
		f.Seq = like.Seq
		f.CapturedAt = like.CapturedAt
	}
	return f
}
