package console

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/filmbot/appliance/pkg/capture"
	"github.com/filmbot/appliance/pkg/coordinator"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	black = color.RGBA{A: 255}
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	red   = color.RGBA{R: 220, G: 30, B: 30, A: 255}
	green = color.RGBA{R: 40, G: 200, B: 80, A: 255}
)

func AddLabel(img *image.RGBA, x, y int, label string) {
	draw.Draw(img, image.Rect(x, y, x+len(label)*7+3, y+12), &image.Uniform{C: color.RGBA{}}, image.Point{}, draw.Src)
	(&font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(white),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.Int26_6((x + 2) * 64), Y: fixed.Int26_6((y + 10) * 64)},
	}).DrawString(label)
}

// Render draws the snapshot w pixels wide: the scaled frame,
// or a placeholder when there is no picture, and the level meter.
func Render(s *Snapshot, w, h int) *image.RGBA {
	if w <= 0 || h <= 0 {
		w, h = 640, 360
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	switch {
	case s.Mode == coordinator.Recording:
		draw.Draw(img, img.Bounds(), image.NewUniform(black), image.Point{}, draw.Src)
		label := "RECORDING"
		if s.Filename != "" {
			label += " " + s.Filename
		}
		centerLabel(img, label)
		draw.Draw(img, image.Rect(8, 8, 24, 24), image.NewUniform(red), image.Point{}, draw.Src)
		return img
	case s.Signal():
		src := s.frame.Image()
		xdraw.ApproxBiLinear.Scale(img, img.Bounds(), src, src.Bounds(), draw.Src, nil)
	default:
		draw.Draw(img, img.Bounds(), image.NewUniform(black), image.Point{}, draw.Src)
		label := "NO SIGNAL"
		if s.Video.State == capture.Opening {
			label = "CONNECTING"
		}
		centerLabel(img, label)
	}
	meter(img, s.Level.Meter)
	AddLabel(img, 4, h-28, s.Level.String())
	return img
}

func centerLabel(img *image.RGBA, label string) {
	b := img.Bounds()
	AddLabel(img, max(0, (b.Dx()-len(label)*7)/2), b.Dy()/2-6, label)
}

// meter is a bar along the bottom edge.
func meter(img *image.RGBA, v float64) {
	b := img.Bounds()
	width := int(math.Round(float64(b.Dx()) * math.Max(0, math.Min(v, 100)) / 100))
	if width == 0 {
		return
	}
	col := green
	if v >= 95 {
		col = red
	}
	draw.Draw(img, image.Rect(0, b.Dy()-6, width, b.Dy()), image.NewUniform(col), image.Point{}, draw.Src)
}

// fit keeps the aspect of w0 x h0 in the width w.
func fit(w0, h0, w int) (int, int) {
	if w0 <= 0 || h0 <= 0 {
		return w, w * 9 / 16
	}
	return w, max(1, h0*w/w0)
}
