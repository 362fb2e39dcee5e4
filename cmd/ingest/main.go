package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/internal/config"
	"github.com/woxQAQ/canvas-bridge/internal/ingest"
	"github.com/woxQAQ/canvas-bridge/internal/metrics"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	serverAddr := flag.String("addr", "", "Viewer HTTP address (overrides config)")
	ingestAddr := flag.String("ingest", "", "Producer TCP address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *serverAddr != "" {
		cfg.Ingest.ServerAddr = *serverAddr
	}
	if *ingestAddr != "" {
		cfg.Ingest.IngestAddr = *ingestAddr
	}

	var logger *zap.Logger
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	logger.Info("Starting canvas-bridge ingest",
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

	reg := prometheus.NewRegistry()
	server := ingest.NewServer(ingest.Options{
		ServerAddr:     cfg.Ingest.ServerAddr,
		IngestAddr:     cfg.Ingest.IngestAddr,
		DistDir:        cfg.Ingest.DistDir,
		MaxBufferBytes: cfg.Ingest.MaxBufferBytes,
		Debug:          cfg.LogLevel == "debug",
		Gatherer:       reg,
		Metrics:        metrics.New(reg),
		Logger:         logger,
	})
	if err := server.Run(ctx); err != nil {
		logger.Fatal("Ingest server error", zap.Error(err))
	}
	logger.Info("Ingest shutdown complete")
}
