package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ModuleSource supplies a guest binary.
type ModuleSource interface {
	Bytes() ([]byte, error)
	// Name identifies the guest in logs and in the compile cache.
	Name() string
}

// FileModuleSource reads a guest binary from disk on every load, so a
// rebuilt file is picked up without restarting the runtime.
type FileModuleSource struct {
	Path string
}

// Bytes reads the file.
func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Name returns the file name without its directory.
func (f *FileModuleSource) Name() string {
	return filepath.Base(f.Path)
}

// MemoryModuleSource serves a guest binary already in memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

// Bytes returns the binary.
func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

// Name returns the configured module name.
func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// BlobHash is a cheap rolling hash over a module binary, used for
// cache-busting and version display. Not collision resistant.
func BlobHash(b []byte) int32 {
	var h int32
	for _, c := range b {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// ModuleLoader compiles guest binaries, reusing earlier compilations of
// identical bytes.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a loader compiling into runtime.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

func cacheKey(name string, hash int32) string {
	return name + "@" + strconv.FormatInt(int64(hash), 16)
}

// LoadModule reads and compiles source. The compile cache is keyed by name
// and blob hash, so a changed binary under the same name is recompiled.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	name := source.Name()
	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", name, err)
	}
	hash := BlobHash(wasmBytes)
	key := cacheKey(name, hash)

	if cached, ok := l.runtime.cachedModule(key); ok {
		l.logger.Debug("Module cache hit", zap.String("module", name), zap.Int32("hash", hash))
		return cached, nil
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", name),
		zap.Int("size_bytes", len(wasmBytes)),
	)
	start := time.Now()

	// Decoding and validation happen here; a truncated or corrupt blob fails
	// before any instance or export table exists.
	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{ModuleName: name, Err: err}
	}

	cm := &CompiledModule{
		Module:     compiled,
		Name:       name,
		SizeBytes:  int64(len(wasmBytes)),
		Hash:       hash,
		CompiledAt: time.Now().Unix(),
	}
	l.runtime.cacheModule(key, cm)

	l.logger.Info("Module compiled",
		zap.String("module", name),
		zap.Int32("hash", hash),
		zap.Duration("duration", time.Since(start)),
	)
	return cm, nil
}
