package output

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const labelPadding = 3

// toGray8 converts pixels to an 8-bit gray image, scaling 16-bit samples
// down from bitDepth significant bits.
func toGray8(pic image.Image, bitDepth int) *image.Gray {
	switch src := pic.(type) {
	case *image.Gray:
		dst := image.NewGray(src.Bounds())
		copy(dst.Pix, src.Pix)
		return dst
	case *image.Gray16:
		b := src.Bounds()
		dst := image.NewGray(b)
		if bitDepth < 8 || bitDepth > 16 {
			bitDepth = 16
		}
		shift := uint(bitDepth - 8)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v := src.Gray16At(x, y).Y >> shift
				if v > 0xFF {
					v = 0xFF
				}
				dst.SetGray(x, y, color.Gray{Y: uint8(v)})
			}
		}
		return dst
	default:
		dst := image.NewGray(pic.Bounds())
		draw.Draw(dst, dst.Bounds(), pic, pic.Bounds().Min, draw.Src)
		return dst
	}
}

// drawLabel writes text into the top-left corner of img over a black box
func drawLabel(img *image.Gray, text string) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray{Y: 0xFF}),
		Face: face,
	}
	textWidthPx := d.MeasureString(text).Ceil()
	lineHeight := face.Metrics().Height.Ceil()

	box := image.Rect(0, 0, textWidthPx+2*labelPadding, lineHeight+2*labelPadding).Intersect(img.Bounds())
	draw.Draw(img, box, image.NewUniform(color.Gray{}), image.Point{}, draw.Src)

	d.Dot = fixed.Point26_6{
		X: fixed.I(labelPadding),
		Y: fixed.I(labelPadding) + face.Metrics().Ascent,
	}
	d.DrawString(text)
}
