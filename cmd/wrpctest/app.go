package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lachieh/wrpc/pkg/config"
	"github.com/lachieh/wrpc/pkg/observability"
)

// app is the state shared by all subcommands once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

// setup loads configuration and installs the global logger.
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if lvl := strings.TrimSpace(a.logLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	a.cfg, a.logger = cfg, logger
	zap.L().Debug("effective configuration", zap.Any("config", cfg))
	return nil
}

func (a *app) teardown() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
