package bundle

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
)

// Bundle is a parsed guest bundle ready to be loaded.
type Bundle struct {
	Manifest *Manifest
	LoadedAt time.Time
}

// Name returns the bundle name.
func (b *Bundle) Name() string {
	return b.Manifest.Name
}

// Version returns the bundle version.
func (b *Bundle) Version() string {
	return b.Manifest.Version
}

// Source returns the guest module source.
func (b *Bundle) Source() wasm.ModuleSource {
	return &wasm.FileModuleSource{Path: b.Manifest.WasmPath()}
}

// Loader handles loading bundles from disk.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a new bundle loader.
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{
		logger: logger.With(zap.String("component", "bundle-loader")),
	}
}

// Load parses the bundle in dir.
func (l *Loader) Load(dir string) (*Bundle, error) {
	l.logger.Debug("Loading bundle", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Bundle loaded",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("wasm", manifest.WasmPath()),
		zap.Int("fonts", len(manifest.Fonts)),
	)

	return &Bundle{Manifest: manifest, LoadedAt: time.Now()}, nil
}

// RegisterFonts adds the bundle's fonts to faces.
func (l *Loader) RegisterFonts(b *Bundle, faces *render.FaceSet) error {
	for _, f := range b.Manifest.Fonts {
		path := filepath.Join(b.Manifest.Dir(), f.File)
		data, err := os.ReadFile(path)
		if err != nil {
			return &FontNotFoundError{Family: f.Family, File: f.File, Err: err}
		}
		if err := faces.Register(f.Family, data); err != nil {
			return &FontNotFoundError{Family: f.Family, File: f.File, Err: err}
		}
		l.logger.Debug("Registered font", zap.String("family", f.Family), zap.String("file", f.File))
	}
	if len(b.Manifest.Fonts) > 0 {
		l.logger.Info("Fonts available", zap.Strings("families", faces.Families()))
	}
	return nil
}
