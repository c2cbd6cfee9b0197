package main

// Package main is the entry point for the sleuth server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Build the structured logger from the logging configuration
//   - Compose and start the server (persistence, guardrails, audit, LLM
//     provider, tools, integrations, HTTP API)
//   - Implement graceful shutdown on SIGINT/SIGTERM

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sleuthhq/sleuth/internal/config"
	"github.com/sleuthhq/sleuth/internal/server"
)

const defaultConfigPath = "/etc/sleuth/config.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sleuth:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("SLEUTH_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	ctx := context.Background()
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("creating config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("sleuth started",
		zap.Int("port", cfg.Server.Port),
		zap.String("llm_provider", cfg.LLM.Provider))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	logger.Info("signal received, shutting down", zap.String("signal", sig.String()))

	return srv.Stop()
}

// newLogger builds the process logger from the logging configuration.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
