// Package raster fills closed polygons onto an integer pixel grid.
//
// A pixel (x, y) is covered when its center (x+0.5, y+0.5) lies inside the
// polygon, which matches how ImageJ builds masks from polygon ROIs whose
// vertices sit on pixel corners. Output is delivered as horizontal spans so
// callers can paint labels without allocating a coverage bitmap.
package raster

import (
	"math"
	"sort"

	"roimask/pkg/geometry"
)

// FillRule selects how overlapping sub-paths of a self-intersecting polygon
// are treated.
type FillRule int

const (
	EvenOdd FillRule = iota
	NonZero
)

func (r FillRule) String() string {
	switch r {
	case EvenOdd:
		return "evenodd"
	case NonZero:
		return "nonzero"
	default:
		return "unknown"
	}
}

// ParseFillRule maps a config value to a FillRule.
func ParseFillRule(s string) (FillRule, bool) {
	switch s {
	case "", "evenodd", "even-odd":
		return EvenOdd, true
	case "nonzero", "non-zero":
		return NonZero, true
	}
	return EvenOdd, false
}

// SpanFunc receives one covered run of pixels [x0, x1) in row y.
type SpanFunc func(y, x0, x1 int)

// Rasterizer fills a closed polygon clipped to a width x height grid.
// Implementations must be safe for concurrent use.
type Rasterizer interface {
	Rasterize(poly []geometry.Point2D, width, height int, span SpanFunc)
}

// Scanline is the pure Go rasterizer. The zero value uses the even-odd rule.
type Scanline struct {
	Rule FillRule
}

// NewScanline returns a Scanline rasterizer using rule.
func NewScanline(rule FillRule) Scanline {
	return Scanline{Rule: rule}
}

type crossing struct {
	x   float64
	dir int
}

// Rasterize implements Rasterizer. Degenerate input (fewer than three
// vertices, zero area, non-finite coordinates) produces no spans or only
// the spans the fill rule yields; it never panics.
func (s Scanline) Rasterize(poly []geometry.Point2D, width, height int, span SpanFunc) {
	if len(poly) < 3 || width <= 0 || height <= 0 || span == nil {
		return
	}

	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, p := range poly {
		if !p.IsFinite() {
			continue
		}
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	if minY >= maxY || minY >= float64(height) || maxY <= 0 {
		return
	}

	rowStart := int(math.Max(0, math.Floor(minY)))
	rowEnd := int(math.Min(float64(height), math.Ceil(maxY)))

	n := len(poly)
	crossings := make([]crossing, 0, 8)
	for y := rowStart; y < rowEnd; y++ {
		yc := float64(y) + 0.5
		crossings = crossings[:0]

		for i := 0; i < n; i++ {
			pi, pj := poly[i], poly[(i+1)%n]
			if !pi.IsFinite() || !pj.IsFinite() {
				continue
			}
			if (pi.Y > yc) == (pj.Y > yc) {
				continue
			}
			// Same expression as geometry.PointInPolygon so both agree exactly.
			x := (pj.X-pi.X)*(yc-pi.Y)/(pj.Y-pi.Y) + pi.X
			if math.IsNaN(x) {
				continue
			}
			dir := 1
			if pj.Y < pi.Y {
				dir = -1
			}
			crossings = append(crossings, crossing{x: x, dir: dir})
		}
		if len(crossings) < 2 {
			continue
		}
		sort.Slice(crossings, func(a, b int) bool { return crossings[a].x < crossings[b].x })

		switch s.Rule {
		case NonZero:
			winding := 0
			var start float64
			for _, c := range crossings {
				prev := winding
				winding += c.dir
				if prev == 0 && winding != 0 {
					start = c.x
				} else if prev != 0 && winding == 0 {
					emit(y, start, c.x, width, span)
				}
			}
		default:
			for i := 0; i+1 < len(crossings); i += 2 {
				emit(y, crossings[i].x, crossings[i+1].x, width, span)
			}
		}
	}
}

// emit converts the interval [xa, xb) in continuous coordinates into the
// pixels whose centers fall inside it.
func emit(y int, xa, xb float64, width int, span SpanFunc) {
	x0 := firstCenterAtOrAfter(xa, width)
	x1 := firstCenterAtOrAfter(xb, width)
	if x0 < x1 {
		span(y, x0, x1)
	}
}

// firstCenterAtOrAfter returns the smallest px in [0, width] with
// px+0.5 >= x.
func firstCenterAtOrAfter(x float64, width int) int {
	if x <= 0.5 {
		return 0
	}
	if x > float64(width)-0.5 {
		return width
	}
	px := int(math.Ceil(x - 0.5))
	// x-0.5 may round; correct against the exact comparison.
	for px > 0 && float64(px-1)+0.5 >= x {
		px--
	}
	for float64(px)+0.5 < x {
		px++
	}
	return px
}
