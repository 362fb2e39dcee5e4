// Package bundle reads guest bundles: a manifest.yaml next to the guest
// Wasm binary and any fonts it draws with.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/canvas-bridge/internal/wasm"
)

// ManifestFile is the manifest file name inside a bundle directory.
const ManifestFile = "manifest.yaml"

// Manifest represents the bundle manifest.yaml structure.
type Manifest struct {
	Name    string       `yaml:"name"`
	Version string       `yaml:"version"`
	Wasm    WasmConfig   `yaml:"wasm"`
	Memory  MemoryConfig `yaml:"memory"`
	Fonts   []FontConfig `yaml:"fonts"`

	dir string
}

// WasmConfig holds the guest module location.
type WasmConfig struct {
	File string `yaml:"file"`
}

// MemoryConfig overrides the linear memory size. Zero keeps the runtime default.
type MemoryConfig struct {
	InitialPages uint32 `yaml:"initial_pages"`
	MaxPages     uint32 `yaml:"max_pages"`
}

// FontConfig registers a font file under a family name.
type FontConfig struct {
	Family string `yaml:"family"`
	File   string `yaml:"file"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "name",
			Message: "name is required",
		}
	}

	if m.Version == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "version",
			Message: "version is required",
		}
	}

	if m.Wasm.File == "" {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "wasm.file",
			Message: "wasm.file is required",
		}
	}

	if m.Memory.MaxPages > wasm.MaxPages {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "memory.max_pages",
			Message: fmt.Sprintf("max_pages %d exceeds the 4GiB limit of %d pages", m.Memory.MaxPages, wasm.MaxPages),
		}
	}

	if m.Memory.MaxPages != 0 && m.Memory.InitialPages > m.Memory.MaxPages {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "memory.initial_pages",
			Message: fmt.Sprintf("initial_pages %d exceeds max_pages %d", m.Memory.InitialPages, m.Memory.MaxPages),
		}
	}

	for i, f := range m.Fonts {
		if f.Family == "" || f.File == "" {
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   fmt.Sprintf("fonts[%d]", i),
				Message: "family and file are required",
			}
		}
	}

	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}

// RuntimeConfig returns base with the manifest's memory overrides applied.
func (m *Manifest) RuntimeConfig(base wasm.RuntimeConfig) *wasm.RuntimeConfig {
	cfg := base
	if m.Memory.InitialPages != 0 {
		cfg.InitialPages = m.Memory.InitialPages
	}
	if m.Memory.MaxPages != 0 {
		cfg.MaxPages = m.Memory.MaxPages
	}
	return &cfg
}
