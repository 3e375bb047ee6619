package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"execution-core/internal/orchestrator"
	"execution-core/pkg/config"
	"execution-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(logger.Config{Level: "info"})
		logger.Errorf("config load failed: %v", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
	})
	logger.Infof("starting execution core, connector=%s symbols=%v", cfg.Connector, cfg.Symbols)

	orch, err := orchestrator.New(cfg)
	if err != nil {
		logger.Errorf("orchestrator init failed: %v", err)
		os.Exit(1)
	}

	if err := orch.Start(context.Background()); err != nil {
		logger.Errorf("start failed: %v", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("signal received, shutting down")

	if err := orch.Shutdown(); err != nil {
		logger.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
}
