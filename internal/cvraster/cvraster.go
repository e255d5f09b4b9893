// Package cvraster fills polygons with OpenCV's fillPoly.
//
// Vertices are rounded to the nearest pixel and OpenCV paints every pixel
// the outline touches, so boundary pixels are included where the scanline
// rasterizer tests pixel centers. Self intersections follow even-odd.
package cvraster

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"roimask/internal/raster"
	"roimask/pkg/geometry"
)

// FillPoly implements raster.Rasterizer with gocv.
type FillPoly struct{}

var _ raster.Rasterizer = FillPoly{}

// Rasterize fills poly on a scratch width x height mat and reports each
// covered run.
func (FillPoly) Rasterize(poly []geometry.Point2D, width, height int, span raster.SpanFunc) {
	if width <= 0 || height <= 0 || len(poly) < 3 {
		return
	}
	pts := make([]image.Point, 0, len(poly))
	for _, p := range poly {
		if !p.IsFinite() {
			continue
		}
		pts = append(pts, image.Pt(clampInt(p.X), clampInt(p.Y)))
	}
	if len(pts) < 3 {
		return
	}

	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)
	defer mat.Close()
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()

	gocv.FillPoly(&mat, pv, color.RGBA{255, 255, 255, 0})

	data := mat.ToBytes()
	for y := 0; y < height; y++ {
		row := data[y*width : (y+1)*width]
		x := 0
		for x < width {
			if row[x] == 0 {
				x++
				continue
			}
			x0 := x
			for x < width && row[x] != 0 {
				x++
			}
			span(y, x0, x)
		}
	}
}

// clampInt rounds v into a range OpenCV accepts for point coordinates.
func clampInt(v float64) int {
	const limit = 1 << 24
	r := math.Round(v)
	if r > limit {
		return limit
	}
	if r < -limit {
		return -limit
	}
	return int(r)
}
