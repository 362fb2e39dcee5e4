package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/woxQAQ/canvas-bridge/internal/bridge"
	"github.com/woxQAQ/canvas-bridge/internal/bundle"
	"github.com/woxQAQ/canvas-bridge/internal/channel"
	"github.com/woxQAQ/canvas-bridge/internal/config"
	"github.com/woxQAQ/canvas-bridge/internal/ingest"
	"github.com/woxQAQ/canvas-bridge/internal/metrics"
	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/internal/storage"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	bundleDir := flag.String("bundle", "", "Guest bundle directory (overrides config)")
	tracePath := flag.String("trace", "", "Trace file to load")
	streamURL := flag.String("stream", "", "Ingest websocket URL to fetch a trace from, e.g. ws://localhost:8000/ws")
	duration := flag.Duration("duration", 2*time.Second, "How long to run before taking snapshots")
	snapshotDir := flag.String("snapshot", "", "Snapshot directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *bundleDir != "" {
		cfg.Bundle = *bundleDir
	}
	if *snapshotDir != "" {
		cfg.Snapshot.Dir = *snapshotDir
	}

	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	logger.Info("Starting canvas-bridge viewer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, logger, *tracePath, *streamURL, *duration); err != nil {
		logger.Fatal("Viewer failed", zap.Error(err))
	}
	logger.Info("Viewer shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, tracePath, streamURL string, duration time.Duration) error {
	if cfg.Bundle == "" {
		return errors.New("no bundle configured")
	}
	bundles := bundle.NewLoader(logger)
	b, err := bundles.Load(cfg.Bundle)
	if err != nil {
		return err
	}
	faces, err := render.NewFaceSet()
	if err != nil {
		return err
	}
	if err := bundles.RegisterFonts(b, faces); err != nil {
		return err
	}

	runtime, err := wasm.NewRuntime(ctx, logger, b.Manifest.RuntimeConfig(*cfg.RuntimeConfig()))
	if err != nil {
		return err
	}
	defer runtime.Close(context.Background())

	var store storage.Store = storage.NewMemoryStore()
	if cfg.Storage.Path != "" {
		if store, err = storage.OpenFileStore(cfg.Storage.Path, logger); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctrlEnd, workerEnd := channel.NewPipe(0)
	worker, err := channel.NewWorker(channel.WorkerOptions{
		Endpoint: workerEnd,
		Runtime:  runtime,
		Source:   b.Source(),
		Faces:    faces,
		Store:    store,
		Theme:    bridge.StaticTheme(cfg.Appearance.SystemDark),
		Dialog: bridge.FileDialogFunc(func() {
			logger.Info("Guest asked for a file dialog; pass -trace instead")
		}),
		RefreshHz:     cfg.Frame.RefreshHz,
		MaxChunkQueue: cfg.Loader.ChunkQueue,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ready := make(chan struct{})
	fatal := make(chan protocol.FatalCode, 1)
	var readyOnce sync.Once
	ctrl, err := channel.NewController(channel.ControllerOptions{
		Endpoint: ctrlEnd,
		Cursor: bridge.CursorFunc(func(name string) {
			logger.Info("Cursor changed", zap.String("cursor", name))
		}),
		Errors: bridge.ErrorFunc(func(code protocol.FatalCode, message string) {
			logger.Error(message, zap.Stringer("code", code))
			fatal <- code
		}),
		OnReady: func(channel.Ready) { readyOnce.Do(func() { close(ready) }) },
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(ctrl.Run(gctx)) })
	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		defer cancel()
		defer ctrl.Close()
		return drive(gctx, cfg, logger, ctrl, worker, ready, fatal, tracePath, streamURL, duration)
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drive initializes the worker, feeds it a trace, lets it render for
// duration and writes snapshots.
func drive(ctx context.Context, cfg *config.Config, logger *zap.Logger, ctrl *channel.Controller, worker *channel.Worker,
	ready <-chan struct{}, fatal <-chan protocol.FatalCode, tracePath, streamURL string, duration time.Duration) error {
	if err := ctrl.Init(ctx, render.NewTextSurface(1, 1), render.NewRectSurface(1, 1), cfg.InitialViewport()); err != nil {
		return err
	}
	select {
	case <-ready:
	case code := <-fatal:
		return errors.New(code.Message())
	case <-ctx.Done():
		return nil
	}

	name, size, src, err := openTrace(ctx, tracePath, streamURL)
	if err != nil {
		return err
	}
	if src != nil {
		if c, ok := src.(io.Closer); ok {
			defer c.Close()
		}
		logger.Info("Loading trace", zap.String("name", name), zap.Int64("size", size))
		if err := ctrl.LoadFile(ctx, name, size, src); err != nil {
			return err
		}
	}

	select {
	case <-time.After(duration):
	case code := <-fatal:
		return errors.New(code.Message())
	case <-ctx.Done():
		return nil
	}

	if cfg.Snapshot.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.Snapshot.Dir, 0o755); err != nil {
		return err
	}
	if err := worker.Snapshot(ctx, cfg.Snapshot.Dir); err != nil {
		return err
	}
	logger.Info("Wrote snapshots", zap.String("dir", cfg.Snapshot.Dir))
	return nil
}

// openTrace opens the trace named by path or fetched from url. With
// neither set it returns a nil source.
func openTrace(ctx context.Context, path, url string) (string, int64, io.ReaderAt, error) {
	switch {
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return "", 0, nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return "", 0, nil, err
		}
		return filepath.Base(path), info.Size(), f, nil
	case url != "":
		fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		data, err := ingest.Fetch(fetchCtx, url)
		if err != nil {
			return "", 0, nil, err
		}
		return "stream", int64(len(data)), bytes.NewReader(data), nil
	}
	return "", 0, nil, nil
}
