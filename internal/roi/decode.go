package roi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf16"

	"roimask/pkg/geometry"
)

// ErrDecode is returned for any file or archive that cannot be decoded.
var ErrDecode = errors.New("roi decode failed")

// Header offsets of the ImageJ binary ROI format (big-endian).
const (
	offVersion     = 4
	offType        = 6
	offTop         = 8
	offLeft        = 10
	offBottom      = 12
	offRight       = 14
	offNCoords     = 16
	offX1          = 18 // float x1 / rect x, also int32 coordinate count for large ROIs
	offY1          = 22
	offX2          = 26
	offY2          = 30
	offShapeSize   = 36
	offOptions     = 50
	offHeader2     = 60
	offCoordinates = 64

	hdr2NameOffset = 16
	hdr2NameLength = 20
	hdr2Size       = 64

	optSubPixel = 128

	magic = "Iout"
)

// OvalPoints is the minimum number of vertices used to approximate an oval.
const OvalPoints = 64

// Limits on untrusted header values.
const (
	maxOvalPoints = 1 << 14
	maxCoord      = 1 << 24
)

// DecodeROI decodes a single ImageJ .roi file. fallbackName is used when the
// file carries no embedded name (ImageJ uses the file name in that case).
func DecodeROI(fallbackName string, data []byte) (Region, error) {
	d := &decoder{data: data}
	if len(data) < offCoordinates || string(data[:4]) != magic {
		return Region{}, fmt.Errorf("%w: %s: not an ImageJ roi", ErrDecode, fallbackName)
	}

	version := int(d.u16(offVersion))
	typ := Type(data[offType])
	top := float64(d.i16(offTop))
	left := float64(d.i16(offLeft))
	bottom := float64(d.i16(offBottom))
	right := float64(d.i16(offRight))
	options := d.u16(offOptions)
	subPixel := options&optSubPixel != 0 && version >= 222

	if d.i32(offShapeSize) > 0 {
		return Region{}, fmt.Errorf("%w: %s: composite shape rois are not supported", ErrDecode, fallbackName)
	}

	r := Region{Name: fallbackName, Type: typ}
	if name, ok := d.name(); ok {
		r.Name = name
	}

	bounds := geometry.NewRect(left, top, right-left, bottom-top)
	if subPixel && version >= 223 && (typ == TypeRect || typ == TypeOval) {
		bounds = geometry.NewRect(
			float64(d.f32(offX1)), float64(d.f32(offY1)),
			float64(d.f32(offX2)), float64(d.f32(offY2)),
		)
		if !validBounds(bounds) {
			return Region{}, fmt.Errorf("%w: %s: sub-pixel bounds out of range", ErrDecode, fallbackName)
		}
	}

	switch typ {
	case TypeRect:
		r.Vertices = bounds.Corners()
	case TypeOval:
		r.Vertices = ovalVertices(bounds)
	case TypeLine:
		r.Vertices = []geometry.Point2D{
			geometry.NewPoint2D(float64(d.f32(offX1)), float64(d.f32(offY1))),
			geometry.NewPoint2D(float64(d.f32(offX2)), float64(d.f32(offY2))),
		}
	case TypePolygon, TypeFreehand, TypeTraced, TypePolyLine, TypeFreeLine, TypeAngle, TypePoint:
		verts, err := d.coordinates(version, left, top, subPixel)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %s: %v", ErrDecode, fallbackName, err)
		}
		r.Vertices = verts
	default:
		return Region{}, fmt.Errorf("%w: %s: unsupported roi type %d", ErrDecode, fallbackName, int(typ))
	}
	return r, nil
}

// ovalVertices samples the ellipse inscribed in bounds.
func ovalVertices(bounds geometry.Rect) []geometry.Point2D {
	rx, ry := bounds.Width/2, bounds.Height/2
	n := OvalPoints
	if perimeter := math.Ceil(math.Pi * (rx + ry)); perimeter > float64(n) {
		n = int(math.Min(perimeter, maxOvalPoints))
	}
	return geometry.GenerateEllipsePoints(bounds.X+rx, bounds.Y+ry, rx, ry, n)
}

// validBounds reports whether r is finite, non-negative in size and within
// maxCoord of the origin.
func validBounds(r geometry.Rect) bool {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.Abs(v) > maxCoord {
			return false
		}
	}
	return r.Width >= 0 && r.Height >= 0
}

type decoder struct {
	data []byte
}

func (d *decoder) has(off, n int) bool {
	return off >= 0 && n >= 0 && off+n <= len(d.data)
}

func (d *decoder) u16(off int) uint16 {
	if !d.has(off, 2) {
		return 0
	}
	return binary.BigEndian.Uint16(d.data[off:])
}

func (d *decoder) i16(off int) int16 {
	return int16(d.u16(off))
}

func (d *decoder) i32(off int) int32 {
	if !d.has(off, 4) {
		return 0
	}
	return int32(binary.BigEndian.Uint32(d.data[off:]))
}

func (d *decoder) f32(off int) float32 {
	if !d.has(off, 4) {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(d.data[off:]))
}

// name reads the UTF-16BE name stored in header2, if any.
func (d *decoder) name() (string, bool) {
	h2 := int(d.i32(offHeader2))
	if h2 <= 0 || !d.has(h2, hdr2Size) {
		return "", false
	}
	off := int(d.i32(h2 + hdr2NameOffset))
	n := int(d.i32(h2 + hdr2NameLength))
	if off <= 0 || n <= 0 || !d.has(off, 2*n) {
		return "", false
	}
	chars := make([]uint16, n)
	for i := range chars {
		chars[i] = d.u16(off + 2*i)
	}
	return string(utf16.Decode(chars)), true
}

// coordinates reads the vertex list. Integer coordinates are relative to
// the bounds origin; sub-pixel coordinates follow them and are absolute.
func (d *decoder) coordinates(version int, left, top float64, subPixel bool) ([]geometry.Point2D, error) {
	n := int(d.u16(offNCoords))
	if n == 0 && version >= 228 {
		n = int(d.i32(offX1))
	}
	if n <= 0 {
		return nil, errors.New("no coordinates")
	}

	base := offCoordinates
	if !d.has(base, 4*n) {
		return nil, fmt.Errorf("truncated coordinates: want %d points", n)
	}

	verts := make([]geometry.Point2D, n)
	if subPixel {
		fbase := base + 4*n
		if !d.has(fbase, 8*n) {
			return nil, fmt.Errorf("truncated sub-pixel coordinates: want %d points", n)
		}
		for i := range verts {
			verts[i] = geometry.NewPoint2D(
				float64(d.f32(fbase+4*i)),
				float64(d.f32(fbase+4*n+4*i)),
			)
		}
		return verts, nil
	}

	origin := geometry.NewPoint2D(left, top)
	for i := range verts {
		rel := geometry.NewPoint2D(float64(d.i16(base+2*i)), float64(d.i16(base+2*n+2*i)))
		verts[i] = origin.Add(rel)
	}
	return verts, nil
}
