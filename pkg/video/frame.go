// Package video captures frames from a V4L2 device for the live preview.
package video

import (
	"fmt"
	"image"
)

// Format is a capture format the device is asked for.
type Format struct {
	Encoding string
	Width    int
	Height   int
	FPS      int
}

func (f Format) String() string { return fmt.Sprintf("%s %dx%d@%d", f.Encoding, f.Width, f.Height, f.FPS) }

func (f Format) Size() string { return fmt.Sprintf("%dx%d", f.Width, f.Height) }

// Frame is a decoded RGBA picture.
// Frames from a device are valid only until the next read,
// use CopyTo or Clone to keep one.
type Frame struct {
	Pix    []uint8
	Stride int
	Width  int
	Height int
}

func NewFrame(w, h int) *Frame {
	return &Frame{Pix: make([]uint8, w*h*4), Stride: w * 4, Width: w, Height: h}
}

// Image returns the frame as an image sharing its pixels.
func (f *Frame) Image() *image.RGBA {
	return &image.RGBA{Pix: f.Pix, Stride: f.Stride, Rect: image.Rect(0, 0, f.Width, f.Height)}
}

// CopyTo copies the frame into dst reusing its buffer when possible.
func (f *Frame) CopyTo(dst *Frame) {
	n := len(f.Pix)
	if cap(dst.Pix) < n {
		dst.Pix = make([]uint8, n)
	}
	dst.Pix = dst.Pix[:n]
	copy(dst.Pix, f.Pix)
	dst.Stride, dst.Width, dst.Height = f.Stride, f.Width, f.Height
}

func (f *Frame) Clone() *Frame {
	var c Frame
	f.CopyTo(&c)
	return &c
}
