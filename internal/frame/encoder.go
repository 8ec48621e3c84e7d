package frame

import (
	"bytes"
	"fmt"
	"image/jpeg"
)

// Encoder turns a frame into a self-contained image payload.
type Encoder interface {
	Encode(f *Frame) ([]byte, error)
}

// JPEGEncoder encodes frames with the pure-Go image/jpeg codec. It is the
// fallback when no OpenCV encoder is wired, and what the tests use.
type JPEGEncoder struct {
	Quality int
}

// Encode implements Encoder.
func (e JPEGEncoder) Encode(f *Frame) ([]byte, error) {
	img, err := f.ToImage()
	if err != nil {
		return nil, err
	}

	quality := e.Quality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
