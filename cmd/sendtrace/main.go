package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/internal/ingest"
)

func main() {
	addr := flag.String("addr", ":8080", "Ingest producer address")
	timeout := flag.Duration("timeout", time.Minute, "Give up after this long")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <trace-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Fatal("Failed to read trace", zap.String("path", path), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := ingest.Send(ctx, *addr, data); err != nil {
		logger.Fatal("Failed to send trace", zap.String("addr", *addr), zap.Error(err))
	}
	logger.Info("Sent trace", zap.String("path", path), zap.Int("bytes", len(data)))
}
