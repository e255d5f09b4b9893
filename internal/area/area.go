// Package area counts tissue pixels in finished masks.
package area

import (
	"errors"
	"fmt"

	"roimask/internal/tissue"
)

// ErrTabulation is returned for grids that cannot be counted.
var ErrTabulation = errors.New("tabulation failed")

// Grid is anything that can be read as a code raster.
type Grid interface {
	Width() int
	Height() int
	Len() int
	At(x, y int) tissue.Code
}

// Record holds one pixel count per known code. Background is kept apart
// and is never reported as a tissue quantity.
type Record struct {
	counts [tissue.NumCodes]int
}

// Count returns the count for a tissue code; Background and unknown codes
// return 0.
func (r Record) Count(c tissue.Code) int {
	if c == tissue.Background || !c.Known() {
		return 0
	}
	return r.counts[c]
}

// Background returns the number of background pixels.
func (r Record) Background() int {
	return r.counts[tissue.Background]
}

// Tissue returns the total count over all tissue codes.
func (r Record) Tissue() int {
	n := 0
	for _, c := range tissue.Tissues() {
		n += r.counts[c]
	}
	return n
}

// Zero reports whether the record has no tissue pixels.
func (r Record) Zero() bool {
	return r.Tissue() == 0
}

// Map returns the tissue counts keyed by tissue name.
func (r Record) Map() map[string]int {
	out := make(map[string]int, len(tissue.Tissues()))
	for _, c := range tissue.Tissues() {
		out[c.String()] = r.counts[c]
	}
	return out
}

// With returns a copy of r with the count for c set to n. It is meant for
// assembling records read from storage.
func (r Record) With(c tissue.Code, n int) Record {
	if c.Known() {
		r.counts[c] = n
	}
	return r
}

// Tabulate counts every known code in g. Unknown codes are skipped.
func Tabulate(g Grid) (Record, error) {
	var rec Record
	if g == nil {
		return rec, fmt.Errorf("%w: nil grid", ErrTabulation)
	}
	w, h := g.Width(), g.Height()
	if w <= 0 || h <= 0 {
		return rec, fmt.Errorf("%w: empty %dx%d grid", ErrTabulation, w, h)
	}
	if g.Len() != w*h {
		return rec, fmt.Errorf("%w: grid holds %d cells, want %d", ErrTabulation, g.Len(), w*h)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if c := g.At(x, y); c.Known() {
				rec.counts[c]++
			}
		}
	}
	return rec, nil
}
