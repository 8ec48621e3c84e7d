package vision

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentrycam/internal/camera"
	"github.com/mikeyg42/sentrycam/internal/frame"
)

type device struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// OpenDevice is a camera.Opener backed by an OpenCV VideoCapture.
func OpenDevice(s camera.Settings) (camera.Device, error) {
	capture, err := gocv.OpenVideoCapture(s.Index)
	if err != nil {
		return nil, fmt.Errorf("open video capture %d: %w", s.Index, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture %d did not open", s.Index)
	}

	if s.Width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(s.Width))
	}
	if s.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(s.Height))
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	return &device{capture: capture, mat: gocv.NewMat()}, nil
}

func (d *device) Read() (*frame.Frame, error) {
	if ok := d.capture.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, camera.ErrNoFrame
	}
	return FromMat(d.mat, nil), nil
}

func (d *device) Close() error {
	d.mat.Close()
	return d.capture.Close()
}
