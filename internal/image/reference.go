// Package image resolves reference images and persists label masks.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/tiff"
)

// ErrReferenceUnavailable is returned when a reference image cannot be
// found or its dimensions cannot be read.
var ErrReferenceUnavailable = errors.New("reference image unavailable")

// ImagesDir is the folder under a specimen root that holds reference images.
const ImagesDir = "images"

// Reference describes a reference image. Only its geometry is used.
type Reference struct {
	Path   string
	Width  int
	Height int
	Format string
	DPI    float64 // 0 when unknown
}

// Probe reads the dimensions of the image at path without decoding the
// pixel data.
func Probe(path string) (Reference, error) {
	file, err := os.Open(path)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrReferenceUnavailable, err)
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %s: %v", ErrReferenceUnavailable, path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Reference{}, fmt.Errorf("%w: %s: empty image", ErrReferenceUnavailable, path)
	}

	ref := Reference{Path: path, Width: cfg.Width, Height: cfg.Height, Format: format}
	if format == "tiff" {
		if dpi, err := tiffDPI(file); err == nil {
			ref.DPI = dpi
		}
	}
	return ref, nil
}

// DirProvider finds reference images in <Root>/<specimen>/images/ by image
// identifier.
type DirProvider struct {
	Root string
}

// Find returns the path of the reference image for specimen and imageID.
// Formats are tried in SupportedFormats order.
func (p DirProvider) Find(specimen, imageID string) (string, error) {
	dir := filepath.Join(p.Root, specimen, ImagesDir)
	for _, ext := range SupportedFormats() {
		candidate := filepath.Join(dir, imageID+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no image %q in %s", ErrReferenceUnavailable, imageID, dir)
}

// Reference locates and probes the reference image.
func (p DirProvider) Reference(specimen, imageID string) (Reference, error) {
	path, err := p.Find(specimen, imageID)
	if err != nil {
		return Reference{}, err
	}
	return Probe(path)
}

// SupportedFormats returns the list of supported image formats.
func SupportedFormats() []string {
	return []string{".tif", ".tiff", ".png", ".jpg", ".jpeg"}
}

// IsSupportedFormat checks if the given path has a supported image format.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}

// tiffDPI reads the resolution tags of the first IFD.
func tiffDPI(r io.ReaderAt) (float64, error) {
	header := make([]byte, 8)
	if _, err := r.ReadAt(header, 0); err != nil {
		return 0, err
	}

	var order binary.ByteOrder
	switch string(header[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0, errors.New("not a TIFF file")
	}

	ifd := int64(order.Uint32(header[4:8]))
	countBuf := make([]byte, 2)
	if _, err := r.ReadAt(countBuf, ifd); err != nil {
		return 0, err
	}
	n := int(order.Uint16(countBuf))

	entries := make([]byte, 12*n)
	if _, err := r.ReadAt(entries, ifd+2); err != nil {
		return 0, err
	}

	rational := func(off int64) float64 {
		b := make([]byte, 8)
		if _, err := r.ReadAt(b, off); err != nil {
			return 0
		}
		num, den := order.Uint32(b[:4]), order.Uint32(b[4:])
		if den == 0 {
			return 0
		}
		return float64(num) / float64(den)
	}

	var xRes, yRes float64
	unit := uint16(2) // inches
	for i := 0; i < n; i++ {
		e := entries[12*i : 12*i+12]
		tag, typ := order.Uint16(e[0:2]), order.Uint16(e[2:4])
		switch {
		case tag == 282 && typ == 5: // XResolution, RATIONAL
			xRes = rational(int64(order.Uint32(e[8:12])))
		case tag == 283 && typ == 5: // YResolution
			yRes = rational(int64(order.Uint32(e[8:12])))
		case tag == 296 && typ == 3: // ResolutionUnit, SHORT
			unit = order.Uint16(e[8:10])
		}
	}

	dpi := xRes
	if dpi == 0 {
		dpi = yRes
	}
	if dpi == 0 {
		return 0, errors.New("no resolution tags")
	}
	if unit == 3 { // centimeters
		dpi *= 2.54
	}
	return dpi, nil
}
