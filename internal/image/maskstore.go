package image

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"roimask/internal/mask"
)

// ErrMaskWrite is returned when a mask cannot be persisted.
var ErrMaskWrite = errors.New("mask write failed")

// Format is the raster format used for persisted masks.
type Format string

const (
	FormatTIFF Format = "tif"
	FormatPNG  Format = "png"
)

// ParseFormat maps a config value to a Format.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "", "tif", "tiff":
		return FormatTIFF, true
	case "png":
		return FormatPNG, true
	}
	return FormatTIFF, false
}

// MaskStore writes masks as single channel 8-bit rasters under Dir.
// Safe for concurrent use: directories are created idempotently and each
// file is written to a temporary name and renamed into place.
type MaskStore struct {
	Dir    string
	Format Format
}

// MaskPath returns <Dir>/<specimen>/<imageID>_mask.<ext>.
func (s MaskStore) MaskPath(specimen, imageID string) string {
	f := s.Format
	if f == "" {
		f = FormatTIFF
	}
	return filepath.Join(s.Dir, specimen, imageID+"_mask."+string(f))
}

// Write persists m and returns the path written.
func (s MaskStore) Write(m *mask.Mask, specimen, imageID string) (string, error) {
	path := s.MaskPath(specimen, imageID)
	if err := WriteMaskFile(path, m, s.Format); err != nil {
		return "", err
	}
	return path, nil
}

// WriteMaskFile writes m to path, creating the directory if needed. The
// raster goes to a temporary file in the same directory first and is
// renamed into place, so readers never see a partial mask.
func WriteMaskFile(path string, m *mask.Mask, f Format) error {
	if m == nil || m.Len() == 0 {
		return fmt.Errorf("%w: empty mask", ErrMaskWrite)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrMaskWrite, err)
	}

	tmp, err := os.CreateTemp(dir, ".mask-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMaskWrite, err)
	}
	tmpName := tmp.Name()
	if err := encode(tmp, m.Gray(), f); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrMaskWrite, path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrMaskWrite, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrMaskWrite, path, err)
	}
	return nil
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return FormatTIFF, true
	case ".png":
		return FormatPNG, true
	}
	return FormatTIFF, false
}

func encode(w io.Writer, img *image.Gray, f Format) error {
	switch f {
	case FormatPNG:
		return png.Encode(w, img)
	case "", FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported mask format %q", string(f))
	}
}

// ReadMask loads a mask written by MaskStore.
func ReadMask(path string) (*mask.Mask, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode mask %s: %w", path, err)
	}
	return mask.FromImage(img)
}
