// Package dataset discovers specimens, ROI archives and reference images
// in a dataset folder and checks that the set is complete.
//
// Layout:
//
//	<root>/<specimen>/roi/<imageID>.zip    ROI Manager archive (or .roi)
//	<root>/<specimen>/images/<imageID>.tif reference image (tif, png, jpg)
package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"roimask/internal/batch"
	rimage "roimask/internal/image"
)

// ROIDir is the folder under a specimen root that holds ROI archives.
const ROIDir = "roi"

// Archive is one ROI set file.
type Archive struct {
	ImageID string
	Path    string
}

// Specimen is one specimen folder.
type Specimen struct {
	Name     string
	Root     string
	Archives []Archive
	Images   map[string]string // imageID -> path
}

// Scan lists the specimens under root. Hidden folders are ignored.
func Scan(root string) ([]Specimen, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	var specimens []Specimen
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := scanSpecimen(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		specimens = append(specimens, s)
	}
	return specimens, nil
}

func scanSpecimen(dir string) (Specimen, error) {
	s := Specimen{Name: filepath.Base(dir), Root: dir, Images: map[string]string{}}

	roiEntries, err := readDirIfExists(filepath.Join(dir, ROIDir))
	if err != nil {
		return s, err
	}
	for _, e := range roiEntries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".zip" && ext != ".roi") {
			continue
		}
		s.Archives = append(s.Archives, Archive{
			ImageID: strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Path:    filepath.Join(dir, ROIDir, e.Name()),
		})
	}

	imgEntries, err := readDirIfExists(filepath.Join(dir, rimage.ImagesDir))
	if err != nil {
		return s, err
	}
	for _, e := range imgEntries {
		if e.IsDir() || !rimage.IsSupportedFormat(e.Name()) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if _, dup := s.Images[id]; !dup {
			s.Images[id] = filepath.Join(dir, rimage.ImagesDir, e.Name())
		}
	}
	return s, nil
}

func readDirIfExists(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	return entries, nil
}

// Units turns scanned specimens into batch units, one per archive, in
// specimen then archive order.
func Units(specimens []Specimen) []batch.Unit {
	var units []batch.Unit
	for _, s := range specimens {
		for _, a := range s.Archives {
			units = append(units, batch.Unit{
				Specimen:     s.Name,
				SpecimenRoot: s.Root,
				ArchivePath:  a.Path,
				ImageID:      a.ImageID,
			})
		}
	}
	return units
}

// SpecimenFromPath derives the specimen identifier from an archive path
// that follows the layout: the folder that contains the roi/ folder.
func SpecimenFromPath(archivePath string) (string, bool) {
	dir := filepath.Dir(filepath.Clean(archivePath))
	if filepath.Base(dir) != ROIDir {
		return "", false
	}
	specimen := filepath.Base(filepath.Dir(dir))
	if specimen == "." || specimen == string(filepath.Separator) || specimen == "" {
		return "", false
	}
	return specimen, true
}

// LoadExpected reads specimen identifiers, one per line. Blank lines and
// lines starting with # are skipped.
func LoadExpected(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseExpected(f)
}

// ParseExpected is LoadExpected on a reader.
func ParseExpected(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, sc.Err()
}

// Issue is one completeness problem.
type Issue struct {
	Specimen string
	ImageID  string
	Problem  string
}

// Report is the result of Check.
type Report struct {
	Specimens int
	Archives  int
	Issues    []Issue
}

// Complete reports whether Check found nothing to complain about.
func (r Report) Complete() bool {
	return len(r.Issues) == 0
}

// Problems reported by Check.
const (
	ProblemMissingSpecimen = "expected specimen folder missing"
	ProblemUnexpected      = "specimen not in expected list"
	ProblemNoArchives      = "specimen has no roi archives"
	ProblemNoReference     = "roi archive has no reference image"
	ProblemNoArchive       = "reference image has no roi archive"
)

// Check verifies that the dataset is complete and consistent: every
// expected specimen exists and has archives, and archives and reference
// images pair up. An empty expected list skips the membership checks.
func Check(specimens []Specimen, expected []string) Report {
	rep := Report{Specimens: len(specimens)}

	present := make(map[string]bool, len(specimens))
	for _, s := range specimens {
		present[s.Name] = true
	}
	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
		if !present[id] {
			rep.Issues = append(rep.Issues, Issue{Specimen: id, Problem: ProblemMissingSpecimen})
		}
	}

	for _, s := range specimens {
		if len(expected) > 0 && !want[s.Name] {
			rep.Issues = append(rep.Issues, Issue{Specimen: s.Name, Problem: ProblemUnexpected})
			continue
		}
		if len(s.Archives) == 0 {
			rep.Issues = append(rep.Issues, Issue{Specimen: s.Name, Problem: ProblemNoArchives})
		}
		archived := make(map[string]bool, len(s.Archives))
		for _, a := range s.Archives {
			rep.Archives++
			archived[a.ImageID] = true
			if _, ok := s.Images[a.ImageID]; !ok {
				rep.Issues = append(rep.Issues, Issue{Specimen: s.Name, ImageID: a.ImageID, Problem: ProblemNoReference})
			}
		}
		var orphans []string
		for id := range s.Images {
			if !archived[id] {
				orphans = append(orphans, id)
			}
		}
		sort.Strings(orphans)
		for _, id := range orphans {
			rep.Issues = append(rep.Issues, Issue{Specimen: s.Name, ImageID: id, Problem: ProblemNoArchive})
		}
	}
	return rep
}
