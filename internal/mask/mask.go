// Package mask builds labeled tissue masks from annotated regions.
package mask

import (
	"fmt"
	"image"

	"roimask/internal/tissue"
)

// Mask is a row-major grid of tissue codes.
type Mask struct {
	width  int
	height int
	data   []tissue.Code
}

// NewMask creates a new all-background mask with the given dimensions.
func NewMask(width, height int) *Mask {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Mask{
		width:  width,
		height: height,
		data:   make([]tissue.Code, width*height),
	}
}

// Bounds returns the mask dimensions as an image.Rectangle.
func (m *Mask) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.width, m.height)
}

// Width returns the mask width. A nil mask has zero size.
func (m *Mask) Width() int {
	if m == nil {
		return 0
	}
	return m.width
}

// Height returns the mask height.
func (m *Mask) Height() int {
	if m == nil {
		return 0
	}
	return m.height
}

// Len returns the number of cells in the backing storage.
func (m *Mask) Len() int {
	if m == nil {
		return 0
	}
	return len(m.data)
}

// At returns the code at (x, y), or Background outside the mask.
func (m *Mask) At(x, y int) tissue.Code {
	if x < 0 || x >= m.width || y < 0 || y >= m.height {
		return tissue.Background
	}
	return m.data[y*m.width+x]
}

// Set sets the code at (x, y). Coordinates outside the mask are ignored.
func (m *Mask) Set(x, y int, c tissue.Code) {
	if x < 0 || x >= m.width || y < 0 || y >= m.height {
		return
	}
	m.data[y*m.width+x] = c
}

// fillSpan writes c into [x0, x1) of row y. Callers pass clipped spans.
func (m *Mask) fillSpan(y, x0, x1 int, c tissue.Code) {
	row := m.data[y*m.width : (y+1)*m.width]
	for x := x0; x < x1; x++ {
		row[x] = c
	}
}

// Equal reports whether two masks have the same size and codes.
func (m *Mask) Equal(other *Mask) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.width != other.width || m.height != other.height || len(m.data) != len(other.data) {
		return false
	}
	for i := range m.data {
		if m.data[i] != other.data[i] {
			return false
		}
	}
	return true
}

// Gray returns the mask as an 8-bit single channel image whose pixel
// values are the tissue codes.
func (m *Mask) Gray() *image.Gray {
	img := image.NewGray(m.Bounds())
	for y := 0; y < m.height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+m.width]
		for x := range row {
			row[x] = uint8(m.data[y*m.width+x])
		}
	}
	return img
}

// FromImage converts a single channel label image back into a mask.
// Any image type is accepted; the gray value of each pixel is the code.
func FromImage(img image.Image) (*Mask, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < m.height; y++ {
			off := (y+b.Min.Y-g.Rect.Min.Y)*g.Stride + (b.Min.X - g.Rect.Min.X)
			for x := 0; x < m.width; x++ {
				m.data[y*m.width+x] = tissue.Code(g.Pix[off+x])
			}
		}
		return m, nil
	}
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if r != g || g != bl {
				return nil, fmt.Errorf("pixel (%d,%d) is not gray", x, y)
			}
			m.data[y*m.width+x] = tissue.Code(r >> 8)
		}
	}
	return m, nil
}
