// Package frame defines the raw and composited pixel buffers that move
// through the capture, composite and publish stages.
package frame

import (
	"errors"
	"fmt"
	"image"
	"time"
)

type PixelFormat string

const (
	// FormatBGRA is what capture backends deliver.
	FormatBGRA PixelFormat = "BGRA"
	// FormatRGBA is what the compositor produces.
	FormatRGBA PixelFormat = "RGBA"
)

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is a fixed-size pixel buffer. Ownership moves with the pointer:
// whoever holds it may read it, and nobody mutates Pix after handing it on.
type Frame struct {
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Pix       []byte
	Timestamp time.Time
	// Seq is assigned by the producer, monotonically per source.
	Seq uint64
}

func New(width, height int, format PixelFormat) *Frame {
	return &Frame{
		Width:     width,
		Height:    height,
		Stride:    width * 4,
		Format:    format,
		Pix:       make([]byte, width*height*4),
		Timestamp: time.Now(),
	}
}

func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if f.Format != FormatBGRA && f.Format != FormatRGBA {
		return fmt.Errorf("%w: format %q", ErrInvalidFrame, f.Format)
	}
	if f.Stride < f.Width*4 {
		return fmt.Errorf("%w: stride %d for width %d", ErrInvalidFrame, f.Stride, f.Width)
	}
	if len(f.Pix) < f.Stride*(f.Height-1)+f.Width*4 {
		return fmt.Errorf("%w: %d bytes for %dx%d stride %d", ErrInvalidFrame, len(f.Pix), f.Width, f.Height, f.Stride)
	}
	return nil
}

// RGBA returns the frame as an image.RGBA. RGBA frames share Pix with the
// result; BGRA frames are converted into a new buffer.
func (f *Frame) RGBA() *image.RGBA {
	rect := image.Rect(0, 0, f.Width, f.Height)
	if f.Format == FormatRGBA {
		return &image.RGBA{Pix: f.Pix, Stride: f.Stride, Rect: rect}
	}
	img := image.NewRGBA(rect)
	SwapRB(img.Pix, img.Stride, f.Pix, f.Stride, f.Width, f.Height)
	return img
}

// Packed returns the pixels with no row padding, as encoders reading raw
// video expect.
func (f *Frame) Packed() []byte {
	row := f.Width * 4
	if f.Stride == row {
		return f.Pix[:row*f.Height]
	}
	out := make([]byte, row*f.Height)
	for y := 0; y < f.Height; y++ {
		copy(out[y*row:(y+1)*row], f.Pix[y*f.Stride:y*f.Stride+row])
	}
	return out
}

// FromImage copies img into a new RGBA frame.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := New(b.Dx(), b.Dy(), FormatRGBA)
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < f.Height; y++ {
			src := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			copy(f.Pix[y*f.Stride:(y+1)*f.Stride], src[:f.Width*4])
		}
		return f
	}
	dst := f.RGBA()
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			dst.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return f
}

// SwapRB copies a width x height block from src to dst exchanging the red
// and blue channels. It converts BGRA to RGBA and back.
func SwapRB(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	for y := 0; y < height; y++ {
		d := dst[y*dstStride : y*dstStride+width*4]
		s := src[y*srcStride : y*srcStride+width*4]
		for i := 0; i < len(d); i += 4 {
			d[i+0] = s[i+2]
			d[i+1] = s[i+1]
			d[i+2] = s[i+0]
			d[i+3] = s[i+3]
		}
	}
}
