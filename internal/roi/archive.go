package roi

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxEntrySize bounds a single .roi entry; real files are a few KB.
const maxEntrySize = 64 << 20

// ArchiveDecoder reads ImageJ ROI sets: a .zip of .roi entries as written
// by the ROI Manager, or a single .roi file.
type ArchiveDecoder struct{}

// Decode returns every region in the archive at p, in archive order. It
// either returns the full set or fails; a single bad entry fails the
// archive. An archive without .roi entries yields an empty set.
func (ArchiveDecoder) Decode(p string) ([]Region, error) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".roi":
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		r, err := DecodeROI(baseName(p), data)
		if err != nil {
			return nil, err
		}
		return []Region{r}, nil
	case ".zip":
		zr, err := zip.OpenReader(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecode, p, err)
		}
		defer zr.Close()
		return decodeZip(&zr.Reader, p)
	default:
		return nil, fmt.Errorf("%w: %s: unsupported archive extension", ErrDecode, p)
	}
}

// DecodeBytes decodes an in-memory zip archive.
func DecodeBytes(name string, data []byte) ([]Region, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
	}
	return decodeZip(zr, name)
}

func decodeZip(zr *zip.Reader, archive string) ([]Region, error) {
	var regions []Region
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".roi") {
			continue
		}
		if f.UncompressedSize64 > maxEntrySize {
			return nil, fmt.Errorf("%w: %s: entry %s too large", ErrDecode, archive, f.Name)
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s: %v", ErrDecode, archive, f.Name, err)
		}
		r, err := DecodeROI(baseName(f.Name), data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", archive, err)
		}
		regions = append(regions, r)
	}
	return regions, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEntrySize))
}

func baseName(p string) string {
	b := path.Base(filepath.ToSlash(p))
	return strings.TrimSuffix(b, path.Ext(b))
}
