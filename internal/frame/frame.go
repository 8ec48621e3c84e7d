// Package frame defines the pixel buffer that travels through one producer
// cycle and the encoders that turn it into bytes for streaming consumers.
package frame

import (
	"errors"
	"fmt"
	"image"
	"time"
)

// ErrInvalidFrame is returned when a frame's buffer does not match its geometry.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one captured image. Data is row-major and, for three channels,
// in BGR order (the layout OpenCV hands out). A frame is treated as
// immutable while a cycle processes it; analyzers that annotate return a
// new Frame instead of drawing on the input.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Data     []byte

	Seq        uint64
	CapturedAt time.Time
}

// New allocates a zeroed frame of the given geometry.
func New(width, height, channels int) *Frame {
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Data:     make([]byte, width*height*channels),
	}
}

// Valid reports whether the buffer length matches the geometry.
func (f *Frame) Valid() bool {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return false
	}
	switch f.Channels {
	case 1, 3, 4:
	default:
		return false
	}
	return len(f.Data) == f.Width*f.Height*f.Channels
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Data = make([]byte, len(f.Data))
	copy(cp.Data, f.Data)
	return &cp
}

// Bounds returns the frame rectangle anchored at the origin.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// ToImage converts the frame to an image.Image without touching f.
// Gray frames become *image.Gray, BGR and BGRA frames become *image.RGBA.
func (f *Frame) ToImage() (image.Image, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %dx%dx%d with %d bytes", ErrInvalidFrame, f.Width, f.Height, f.Channels, len(f.Data))
	}

	switch f.Channels {
	case 1:
		img := image.NewGray(f.Bounds())
		copy(img.Pix, f.Data)
		return img, nil
	default:
		img := image.NewRGBA(f.Bounds())
		src, dst := 0, 0
		for i := 0; i < f.Width*f.Height; i++ {
			img.Pix[dst] = f.Data[src+2]
			img.Pix[dst+1] = f.Data[src+1]
			img.Pix[dst+2] = f.Data[src]
			if f.Channels == 4 {
				img.Pix[dst+3] = f.Data[src+3]
			} else {
				img.Pix[dst+3] = 0xff
			}
			src += f.Channels
			dst += 4
		}
		return img, nil
	}
}

// FromImage converts any image.Image into a BGR frame.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := New(b.Dx(), b.Dy(), 3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			f.Data[i] = uint8(bl >> 8)
			f.Data[i+1] = uint8(g >> 8)
			f.Data[i+2] = uint8(r >> 8)
			i += 3
		}
	}
	return f
}
