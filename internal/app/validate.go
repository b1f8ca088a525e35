package app

import (
	"context"

	"go.uber.org/zap"

	"mcproute/internal/infra/catalog"
)

type ValidateConfig struct {
	ConfigPath string
}

// ValidateConfig loads and validates the configuration at the provided path without starting backends.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	loader := catalog.NewLoader(a.logger)
	loaded, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}

	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("servers", len(loaded.Servers)),
		zap.Int("enabled", len(loaded.EnabledServers())),
		zap.Bool("llm", loaded.LLM.Configured()),
	)
	return nil
}
