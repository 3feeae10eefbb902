package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ta-systemv1/internal/indengine"
	"ta-systemv1/internal/logger"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("indengine", logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg := indengine.LoadConfig()
	log.Printf("[indengine] enabled TFs: %v, snapshot interval: %ds", cfg.EnabledTFs, cfg.SnapshotIntervalS)

	svc, err := indengine.New(cfg)
	if err != nil {
		log.Fatalf("[indengine] init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("[indengine] fatal: %v", err)
	}
}
