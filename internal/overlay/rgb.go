package overlay

import (
	"image"
	"image/color"
)

// rgbImage exposes a packed 24-bit RGB buffer as a draw.Image so box and
// text rendering work on 3-byte frames without an intermediate copy.
type rgbImage struct {
	pix    []byte
	stride int
	rect   image.Rectangle
}

func (p *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (p *rgbImage) Bounds() image.Rectangle { return p.rect }

func (p *rgbImage) At(x, y int) color.Color {
	if !image.Pt(x, y).In(p.rect) {
		return color.RGBA{}
	}
	i := p.pixOffset(x, y)
	return color.RGBA{R: p.pix[i], G: p.pix[i+1], B: p.pix[i+2], A: 255}
}

func (p *rgbImage) Set(x, y int, c color.Color) {
	if !image.Pt(x, y).In(p.rect) {
		return
	}
	i := p.pixOffset(x, y)
	r, g, b, _ := c.RGBA()
	p.pix[i] = uint8(r >> 8)
	p.pix[i+1] = uint8(g >> 8)
	p.pix[i+2] = uint8(b >> 8)
}

func (p *rgbImage) pixOffset(x, y int) int {
	return (y-p.rect.Min.Y)*p.stride + (x-p.rect.Min.X)*3
}
