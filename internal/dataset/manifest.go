package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Manifest describes a dataset run (.roiproj): where the specimens live,
// where masks go, and which specimens are expected.
type Manifest struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Description string    `json:"description,omitempty"`

	// Paths relative to the manifest file unless absolute.
	Root   string `json:"root"`
	Output string `json:"output,omitempty"`

	Expected []string `json:"expected,omitempty"`
}

// NewManifest creates a manifest with default settings.
func NewManifest(name string) *Manifest {
	now := time.Now()
	return &Manifest{
		Version:  1,
		Name:     name,
		Created:  now,
		Modified: now,
		Root:     ".",
		Output:   "masks",
	}
}

// LoadManifest loads a manifest from a JSON file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return &m, nil
}

// Save saves the manifest to a file.
func (m *Manifest) Save(path string) error {
	m.Modified = time.Now()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// SetRoot stores root relative to the manifest location when possible.
func (m *Manifest) SetRoot(manifestPath, root string) {
	m.Root = relativeTo(manifestPath, root)
	m.Modified = time.Now()
}

// SetOutput stores the output directory relative to the manifest.
func (m *Manifest) SetOutput(manifestPath, output string) {
	m.Output = relativeTo(manifestPath, output)
	m.Modified = time.Now()
}

// RootPath returns the absolute dataset root.
func (m *Manifest) RootPath(manifestPath string) string {
	return resolve(manifestPath, m.Root)
}

// OutputPath returns the mask output directory. Defaults to "masks" next
// to the manifest.
func (m *Manifest) OutputPath(manifestPath string) string {
	if m.Output == "" {
		return filepath.Join(filepath.Dir(manifestPath), "masks")
	}
	return resolve(manifestPath, m.Output)
}

func relativeTo(manifestPath, p string) string {
	rel, err := filepath.Rel(filepath.Dir(manifestPath), p)
	if err != nil {
		return p
	}
	return rel
}

func resolve(manifestPath, p string) string {
	if p == "" {
		return filepath.Dir(manifestPath)
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(manifestPath), p)
}
