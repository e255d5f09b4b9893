package geometry

import "math"

// PointInPolygon tests if a point is inside a polygon using ray casting.
// This is the even-odd rule; the polygon is implicitly closed.
func PointInPolygon(p Point2D, polygon []Point2D) bool {
	if len(polygon) < 3 {
		return false
	}

	inside := false
	n := len(polygon)

	for i := 0; i < n; i++ {
		j := (i + 1) % n
		pi, pj := polygon[i], polygon[j]

		// Check if ray from p going right intersects edge pi-pj
		if ((pi.Y > p.Y) != (pj.Y > p.Y)) &&
			(p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X) {
			inside = !inside
		}
	}

	return inside
}

// PolygonArea returns the signed area of a closed polygon using the
// shoelace formula. Polygons that run clockwise on screen (y down) are
// positive.
func PolygonArea(polygon []Point2D) float64 {
	if len(polygon) < 3 {
		return 0
	}
	var sum float64
	n := len(polygon)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += crossProduct(Point2D{}, polygon[i], polygon[j])
	}
	return sum / 2
}

// AbsArea returns the unsigned polygon area.
func AbsArea(polygon []Point2D) float64 {
	return math.Abs(PolygonArea(polygon))
}

// crossProduct computes the cross product of vectors OA and OB.
func crossProduct(o, a, b Point2D) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}
