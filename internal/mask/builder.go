package mask

import (
	"errors"
	"fmt"

	"roimask/internal/raster"
	"roimask/internal/roi"
	"roimask/internal/tissue"
)

var (
	// ErrInvalidInput covers malformed build requests.
	ErrInvalidInput = errors.New("invalid input")

	ErrEmptyRegionSet    = fmt.Errorf("%w: empty region set", ErrInvalidInput)
	ErrInvalidDimensions = fmt.Errorf("%w: mask dimensions must be positive", ErrInvalidInput)
)

// Stats describes one build.
type Stats struct {
	// TierRegions counts regions per tier, indexed like tissue.Tiers().
	TierRegions []int
	Spans       int
}

// Builder turns a region set into a mask. A Builder holds no per-build
// state and may be shared between goroutines if its Rasterizer can.
type Builder struct {
	Rasterizer raster.Rasterizer
}

// NewBuilder returns a Builder using r, or the even-odd scanline
// rasterizer when r is nil.
func NewBuilder(r raster.Rasterizer) *Builder {
	if r == nil {
		r = raster.Scanline{}
	}
	return &Builder{Rasterizer: r}
}

// Build rasterizes regions into a height x width mask.
func (b *Builder) Build(regions []roi.Region, height, width int) (*Mask, error) {
	m, _, err := b.BuildWithStats(regions, height, width)
	return m, err
}

// BuildWithStats is Build and also reports per-tier counts.
//
// Every suffix is validated before anything is rasterized. Tiers then run
// as sequential overwrite passes in tissue.Tiers() order: regions within a
// tier union, a later tier always wins on overlap, and the outer-only tier
// runs last so it clears whatever lies beneath it.
func (b *Builder) BuildWithStats(regions []roi.Region, height, width int) (*Mask, Stats, error) {
	if len(regions) == 0 {
		return nil, Stats{}, ErrEmptyRegionSet
	}
	if height <= 0 || width <= 0 {
		return nil, Stats{}, fmt.Errorf("%w: got %dx%d", ErrInvalidDimensions, height, width)
	}

	tiers := tissue.Tiers()
	members := make([][]int, len(tiers))
	for i, r := range regions {
		s, err := tissue.ParseSuffix(r.Name)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("region %d: %w", i, err)
		}
		t := tissue.TierOf(s)
		members[t] = append(members[t], i)
	}

	rast := b.Rasterizer
	if rast == nil {
		rast = raster.Scanline{}
	}

	m := NewMask(width, height)
	stats := Stats{TierRegions: make([]int, len(tiers))}
	for t, tier := range tiers {
		code := tier.Code
		paint := func(y, x0, x1 int) {
			if y < 0 || y >= height {
				return
			}
			x0, x1 = max(x0, 0), min(x1, width)
			if x0 < x1 {
				m.fillSpan(y, x0, x1, code)
				stats.Spans++
			}
		}
		for _, i := range members[t] {
			rast.Rasterize(regions[i].Vertices, width, height, paint)
		}
		stats.TierRegions[t] = len(members[t])
	}
	return m, stats, nil
}
