// Package roi decodes ImageJ region-of-interest files and archives into
// named polygon regions.
package roi

import (
	"roimask/pkg/geometry"
)

// Type is the ImageJ ROI shape type as stored in the file header.
type Type int

const (
	TypePolygon  Type = 0
	TypeRect     Type = 1
	TypeOval     Type = 2
	TypeLine     Type = 3
	TypeFreeLine Type = 4
	TypePolyLine Type = 5
	TypeNoROI    Type = 6
	TypeFreehand Type = 7
	TypeTraced   Type = 8
	TypeAngle    Type = 9
	TypePoint    Type = 10
)

func (t Type) String() string {
	switch t {
	case TypePolygon:
		return "polygon"
	case TypeRect:
		return "rect"
	case TypeOval:
		return "oval"
	case TypeLine:
		return "line"
	case TypeFreeLine:
		return "freeline"
	case TypePolyLine:
		return "polyline"
	case TypeNoROI:
		return "noroi"
	case TypeFreehand:
		return "freehand"
	case TypeTraced:
		return "traced"
	case TypeAngle:
		return "angle"
	case TypePoint:
		return "point"
	default:
		return "unknown"
	}
}

// Source is the annotation metadata a batch attaches to each region so
// later steps can resolve the reference image and output locations.
type Source struct {
	Specimen    string `json:"specimen,omitempty"`
	ImageID     string `json:"image_id,omitempty"`
	ArchivePath string `json:"archive_path,omitempty"`
}

// Region is one annotated, implicitly closed polygon.
type Region struct {
	Name     string             `json:"name"`
	Type     Type               `json:"type"`
	Vertices []geometry.Point2D `json:"vertices"`
	Source   Source             `json:"source,omitempty"`
}

// WithSource returns a copy of r annotated with src. The vertex slice is
// shared; regions are never modified after decoding.
func (r Region) WithSource(src Source) Region {
	r.Source = src
	return r
}

// Annotate returns copies of regions with src attached.
func Annotate(regions []Region, src Source) []Region {
	out := make([]Region, len(regions))
	for i, r := range regions {
		out[i] = r.WithSource(src)
	}
	return out
}

// Bounds returns the bounding box of the vertices.
func (r Region) Bounds() geometry.Rect {
	return geometry.BoundingBox(r.Vertices)
}
