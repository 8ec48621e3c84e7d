package vision

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentrycam/internal/frame"
)

// JPEGEncoder encodes frames with OpenCV's imgcodecs.
type JPEGEncoder struct {
	Quality int
}

// Encode implements frame.Encoder.
func (e JPEGEncoder) Encode(f *frame.Frame) ([]byte, error) {
	mat, err := ToMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	quality := e.Quality
	if quality <= 0 {
		quality = 80
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("imencode: %w", err)
	}
	defer buf.Close()

	src := buf.GetBytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}
