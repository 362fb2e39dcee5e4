package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
)

// EnvPrefix prefixes environment overrides, e.g. CANVAS_BRIDGE_FRAME_REFRESH_HZ.
const EnvPrefix = "CANVAS_BRIDGE"

type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Bundle     string           `mapstructure:"bundle"`
	Wasm       WasmConfig       `mapstructure:"wasm"`
	Viewport   ViewportConfig   `mapstructure:"viewport"`
	Frame      FrameConfig      `mapstructure:"frame"`
	Loader     LoaderConfig     `mapstructure:"loader"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Appearance AppearanceConfig `mapstructure:"appearance"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Initial linear memory size (in pages, 64KB each).
	InitialPages uint32 `mapstructure:"initial_pages"`
	// Linear memory growth limit (in pages).
	MaxPages uint32 `mapstructure:"max_pages"`
	// Enable debug info in stack traces.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Per-call export timeout (milliseconds). Zero disables it.
	CallTimeoutMS int `mapstructure:"call_timeout_ms"`
}

// ViewportConfig holds the initial surface sizes in CSS pixels.
type ViewportConfig struct {
	DPR        float64 `mapstructure:"dpr"`
	TextWidth  float64 `mapstructure:"text_width"`
	TextHeight float64 `mapstructure:"text_height"`
	RectWidth  float64 `mapstructure:"rect_width"`
	RectHeight float64 `mapstructure:"rect_height"`
}

type FrameConfig struct {
	RefreshHz float64 `mapstructure:"refresh_hz"`
}

type LoaderConfig struct {
	// Pending chunk requests allowed per session. Zero means unbounded.
	ChunkQueue int `mapstructure:"chunk_queue"`
}

type StorageConfig struct {
	// YAML file backing session storage. Empty keeps it in memory.
	Path string `mapstructure:"path"`
}

type AppearanceConfig struct {
	SystemDark bool `mapstructure:"system_dark"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type IngestConfig struct {
	ServerAddr     string `mapstructure:"server_addr"`
	IngestAddr     string `mapstructure:"ingest_addr"`
	DistDir        string `mapstructure:"dist_dir"`
	MaxBufferBytes int64  `mapstructure:"max_buffer_bytes"`
}

type SnapshotConfig struct {
	Dir string `mapstructure:"dir"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("bundle", "")

	// Wasm defaults
	v.SetDefault("wasm.initial_pages", 2000) // 125MB
	v.SetDefault("wasm.max_pages", wasm.MaxPages)
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.call_timeout_ms", 0)

	v.SetDefault("viewport.dpr", 1.0)
	v.SetDefault("viewport.text_width", 1280.0)
	v.SetDefault("viewport.text_height", 720.0)
	v.SetDefault("viewport.rect_width", 1280.0)
	v.SetDefault("viewport.rect_height", 720.0)

	v.SetDefault("frame.refresh_hz", 60.0)
	v.SetDefault("loader.chunk_queue", 64)
	v.SetDefault("storage.path", "")
	v.SetDefault("appearance.system_dark", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("ingest.server_addr", ":8000")
	v.SetDefault("ingest.ingest_addr", ":8080")
	v.SetDefault("ingest.dist_dir", "./dist")
	v.SetDefault("ingest.max_buffer_bytes", 1<<30)

	v.SetDefault("snapshot.dir", "./snapshots")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RuntimeConfig converts the wasm section to a runtime configuration.
func (c *Config) RuntimeConfig() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		InitialPages: c.Wasm.InitialPages,
		MaxPages:     c.Wasm.MaxPages,
		DebugEnabled: c.Wasm.Debug,
		CacheDir:     c.Wasm.CacheDir,
		CallTimeout:  time.Duration(c.Wasm.CallTimeoutMS) * time.Millisecond,
	}
}

// InitialViewport returns the configured startup viewport.
func (c *Config) InitialViewport() render.Viewport {
	return render.Viewport{
		DPR:  c.Viewport.DPR,
		Text: render.Dims{Width: c.Viewport.TextWidth, Height: c.Viewport.TextHeight},
		Rect: render.Dims{Width: c.Viewport.RectWidth, Height: c.Viewport.RectHeight},
	}
}

// RefreshInterval is the display refresh period.
func (c *Config) RefreshInterval() time.Duration {
	if c.Frame.RefreshHz <= 0 {
		return time.Second / 60
	}
	return time.Duration(float64(time.Second) / c.Frame.RefreshHz)
}
