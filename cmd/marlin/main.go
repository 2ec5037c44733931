package main

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"marlin/internal/app"
	"marlin/internal/config"
	"marlin/internal/logger"
)

func main() {
	ctx := context.Background()
	cfgPath := os.Getenv("MARLIN_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded (env=%s, provider=%s, symbol=%s)", cfg.App.Env, cfg.Market.Provider, cfg.Market.Symbol)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("session failed: %v", err)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
