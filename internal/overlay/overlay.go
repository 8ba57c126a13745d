// Package overlay draws detection annotations directly into a frame's
// pixel buffer: alpha-blended box fills, solid outlines, and label /
// confidence text. Detectors call it when the coordinator's overlay flags
// are non-empty.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/visiona/detectpipe"
)

// palette cycles per class id so adjacent classes get distinct boxes.
var palette = []color.RGBA{
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 128, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
}

const outlineThickness = 2

// Options controls what Draw renders.
type Options struct {
	// Flags selects box/labels/confidence rendering.
	Flags detectpipe.OverlayFlags

	// Alpha is the box fill blending value, 0-255.
	Alpha uint8
}

// Draw renders the detections into the frame buffer in place. It supports
// 4-byte (RGBA) and 3-byte (RGB) pixel depths and is a no-op when Flags is
// OverlayNone or the batch is empty.
func Draw(frame *detectpipe.Frame, detections detectpipe.DetectionBatch, opts Options) error {
	if opts.Flags == detectpipe.OverlayNone || len(detections) == 0 {
		return nil
	}
	if err := frame.Validate(); err != nil {
		return err
	}

	img, err := wrap(frame)
	if err != nil {
		return err
	}

	for _, det := range detections {
		col := palette[det.ClassID%len(palette)]

		rect := image.Rect(int(det.Left), int(det.Top), int(det.Right), int(det.Bottom))
		rect = rect.Intersect(img.Bounds())
		if rect.Empty() {
			continue
		}

		if opts.Flags.Has(detectpipe.OverlayBox) {
			fillBlend(img, rect, col, opts.Alpha)
			outline(img, rect, col)
		}

		text := labelText(det, opts.Flags)
		if text != "" {
			drawText(img, rect.Min.X+2, rect.Min.Y+2, text, col)
		}
	}
	return nil
}

func labelText(det detectpipe.Detection, flags detectpipe.OverlayFlags) string {
	label := ""
	if flags.Has(detectpipe.OverlayLabels) {
		label = det.Label
		if label == "" {
			label = fmt.Sprintf("class #%d", det.ClassID)
		}
	}
	if flags.Has(detectpipe.OverlayConfidence) {
		conf := fmt.Sprintf("%.1f%%", det.Confidence*100)
		if label == "" {
			return conf
		}
		return label + " " + conf
	}
	return label
}

// wrap exposes the frame buffer as a draw.Image without copying.
func wrap(frame *detectpipe.Frame) (draw.Image, error) {
	bounds := image.Rect(0, 0, frame.Width, frame.Height)
	switch frame.Depth {
	case 4:
		return &image.RGBA{Pix: frame.Data, Stride: frame.Width * 4, Rect: bounds}, nil
	case 3:
		return &rgbImage{pix: frame.Data, stride: frame.Width * 3, rect: bounds}, nil
	default:
		return nil, fmt.Errorf("overlay: unsupported pixel depth %d", frame.Depth)
	}
}

// fillBlend blends col over every pixel of rect at the given alpha.
func fillBlend(img draw.Image, rect image.Rectangle, col color.RGBA, alpha uint8) {
	if alpha == 0 {
		return
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			blendPixel(img, x, y, col, alpha)
		}
	}
}

// outline draws a solid box border of fixed thickness inside rect.
func outline(img draw.Image, rect image.Rectangle, col color.RGBA) {
	for t := 0; t < outlineThickness; t++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			setPixel(img, x, rect.Min.Y+t, col)
			setPixel(img, x, rect.Max.Y-1-t, col)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			setPixel(img, rect.Min.X+t, y, col)
			setPixel(img, rect.Max.X-1-t, y, col)
		}
	}
}

func setPixel(img draw.Image, x, y int, col color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.Set(x, y, col)
	}
}

func blendPixel(img draw.Image, x, y int, col color.RGBA, alpha uint8) {
	if !image.Pt(x, y).In(img.Bounds()) {
		return
	}
	r, g, b, _ := img.At(x, y).RGBA()
	a := uint32(alpha)
	inv := 255 - a
	img.Set(x, y, color.RGBA{
		R: uint8((uint32(col.R)*a + (r>>8)*inv) / 255),
		G: uint8((uint32(col.G)*a + (g>>8)*inv) / 255),
		B: uint8((uint32(col.B)*a + (b>>8)*inv) / 255),
		A: 255,
	})
}

// drawText renders one line of text with the fixed 7x13 face. (x, y) is
// the top-left of the text box.
func drawText(img draw.Image, x, y int, text string, col color.RGBA) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y+basicfont.Face7x13.Ascent),
	}
	d.DrawString(text)
}
