package wasm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// PageSize is the size of one linear memory page.
const PageSize = 65536

// MaxPages is the largest page count a 32-bit linear memory can address (4 GiB).
const MaxPages = 65536

// Runtime owns one wazero runtime and everything instantiated in it. A
// guest and the linear memory it imports live in the same Runtime.
type Runtime struct {
	runtime wazero.Runtime

	modules   sync.Map // name@hash -> *CompiledModule
	instances sync.Map // instance ID -> *Module

	config *RuntimeConfig
	cache  wazero.CompilationCache

	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Initial size of the shared linear memory (in pages, 64KB each).
	InitialPages uint32

	// Upper bound for linear memory growth (in pages).
	MaxPages uint32

	// Enable debug info in wazero stack traces.
	DebugEnabled bool

	// Compilation cache directory (for persistent caching).
	// If empty, uses in-memory caching only.
	CacheDir string

	// Per-call execution timeout for wrapped exports. Zero disables it.
	CallTimeout time.Duration
}

// CompiledModule wraps a wazero.CompiledModule with metadata.
type CompiledModule struct {
	Module wazero.CompiledModule

	Name      string
	SizeBytes int64

	// Hash is the rolling hash of the module binary.
	Hash int32

	CompiledAt int64
}

// NewRuntime creates and initializes a new wazero runtime.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(config.MaxPages).
		WithDebugInfoEnabled(config.DebugEnabled)

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", config.CacheDir, err)
		}
		cache = c
		rc = rc.WithCompilationCache(cache)
	}

	runtime := &Runtime{
		runtime: wazero.NewRuntimeWithConfig(ctx, rc),
		config:  config,
		cache:   cache,
		logger:  logger.With(zap.String("component", "wasm-runtime")),
		closed:  make(chan struct{}),
	}

	runtime.logger.Info("Wasm runtime initialized",
		zap.Uint32("initial_pages", config.InitialPages),
		zap.Uint32("max_pages", config.MaxPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Duration("call_timeout", config.CallTimeout),
	)

	return runtime, nil
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		InitialPages: 2000, // 125MB
		MaxPages:     MaxPages,
		DebugEnabled: false,
		CacheDir:     "",
		CallTimeout:  0,
	}
}

// Validate checks the memory bounds.
func (c *RuntimeConfig) Validate() error {
	if c.InitialPages == 0 {
		return fmt.Errorf("initial memory pages must be positive")
	}
	if c.MaxPages > MaxPages {
		return fmt.Errorf("max memory pages %d exceeds the 32-bit limit of %d", c.MaxPages, MaxPages)
	}
	if c.InitialPages > c.MaxPages {
		return fmt.Errorf("initial memory pages %d exceed max pages %d", c.InitialPages, c.MaxPages)
	}
	return nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() *RuntimeConfig {
	return r.config
}

// Close closes every live instance, then the runtime and its compilation
// cache. Later calls are no-ops.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		r.instances.Range(func(key, value interface{}) bool {
			if closeErr := value.(*Module).Close(ctx); closeErr != nil {
				r.logger.Warn("Failed to close instance",
					zap.String("instance_id", key.(string)),
					zap.Error(closeErr),
				)
			}
			return true
		})

		err = r.runtime.Close(ctx)
		if r.cache != nil {
			if cacheErr := r.cache.Close(ctx); cacheErr != nil && err == nil {
				err = cacheErr
			}
		}

		close(r.closed)
		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

func (r *Runtime) cachedModule(key string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(key); ok {
		return val.(*CompiledModule), true
	}
	return nil, false
}

func (r *Runtime) cacheModule(key string, module *CompiledModule) {
	r.modules.Store(key, module)
}

// Instance returns the live guest instance with the given ID.
func (r *Runtime) Instance(instanceID string) (*Module, bool) {
	if val, ok := r.instances.Load(instanceID); ok {
		return val.(*Module), true
	}
	return nil, false
}

func (r *Runtime) trackInstance(m *Module) {
	r.instances.Store(m.ID, m)
}

func (r *Runtime) untrackInstance(instanceID string) {
	r.instances.Delete(instanceID)
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
