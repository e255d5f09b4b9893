// Package colorutil provides the label palette and blending used for mask
// previews.
package colorutil

import (
	"image/color"
)

// Overlay colors.
var (
	Black   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	White   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Cyan    = color.RGBA{R: 0, G: 255, B: 255, A: 255}
	Magenta = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	Blue    = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	Green   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Yellow  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
)

// Labels maps a label value to its preview color. Index 0 is background.
var Labels = []color.RGBA{Black, Magenta, Cyan, Yellow, Green}

// Label returns the preview color of label v. Values past the palette are
// white so that stray codes stand out.
func Label(v uint8) color.RGBA {
	if int(v) < len(Labels) {
		return Labels[v]
	}
	return White
}

// Blend mixes over onto base with weight alpha in [0, 1]. The result is
// opaque.
func Blend(base, over color.Color, alpha float64) color.RGBA {
	if alpha <= 0 {
		return toRGBA(base)
	}
	if alpha >= 1 {
		return toRGBA(over)
	}
	b, o := toRGBA(base), toRGBA(over)
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x)*(1-alpha) + float64(y)*alpha + 0.5)
	}
	return color.RGBA{R: mix(b.R, o.R), G: mix(b.G, o.G), B: mix(b.B, o.B), A: 255}
}

func toRGBA(c color.Color) color.RGBA {
	r, g, b, _ := c.RGBA()
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 255}
}
