package image

import (
	"fmt"
	"image"
	"os"

	"roimask/internal/mask"
	"roimask/internal/tissue"
	"roimask/pkg/colorutil"
)

// RenderPreview colors m for review. With a base image of the same size
// the labels are blended over it at alpha and background pixels show the
// base unchanged; otherwise the palette colors are drawn on black.
func RenderPreview(m *mask.Mask, base image.Image, alpha float64) (*image.RGBA, error) {
	if m == nil || m.Len() == 0 {
		return nil, fmt.Errorf("preview: empty mask")
	}
	w, h := m.Width(), m.Height()
	if base != nil && (base.Bounds().Dx() != w || base.Bounds().Dy() != h) {
		return nil, fmt.Errorf("preview: base is %dx%d, mask is %dx%d",
			base.Bounds().Dx(), base.Bounds().Dy(), w, h)
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			code := m.At(x, y)
			label := colorutil.Label(uint8(code))
			if base == nil {
				out.SetRGBA(x, y, label)
				continue
			}
			under := base.At(base.Bounds().Min.X+x, base.Bounds().Min.Y+y)
			if code == tissue.Background {
				out.SetRGBA(x, y, colorutil.Blend(under, label, 0))
				continue
			}
			out.SetRGBA(x, y, colorutil.Blend(under, label, alpha))
		}
	}
	return out, nil
}

// LoadImage decodes the image at path.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReferenceUnavailable, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrReferenceUnavailable, path, err)
	}
	return img, nil
}
