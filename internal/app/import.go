package app

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"mcproute/internal/infra/catalog/transfer"
)

type ImportConfig struct {
	Source string
	// Path overrides the source's default config location.
	Path string
}

// ImportResult is the parsed server list plus its rendered `servers:` block.
type ImportResult struct {
	transfer.Result
	YAML []byte
}

// ImportServers reads another MCP client's server list and renders it as gateway config.
func (a *App) ImportServers(_ context.Context, cfg ImportConfig) (ImportResult, error) {
	source, err := transfer.ParseSource(cfg.Source)
	if err != nil {
		return ImportResult{}, fmt.Errorf("%w: %q", err, cfg.Source)
	}

	var result transfer.Result
	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return ImportResult{}, fmt.Errorf("read %s: %w", cfg.Path, err)
		}
		result, err = transfer.Parse(source, cfg.Path, data)
		if err != nil {
			return ImportResult{}, err
		}
	} else {
		result, err = transfer.ReadSource(source)
		if err != nil {
			return ImportResult{}, err
		}
	}

	rendered, err := transfer.RenderYAML(result.Servers)
	if err != nil {
		return ImportResult{}, err
	}
	for _, issue := range result.Issues {
		a.logger.Warn("import entry skipped",
			zap.String("server", issue.Name),
			zap.String("kind", issue.Kind),
			zap.String("reason", issue.Message),
		)
	}
	a.logger.Info("servers imported",
		zap.String("source", string(source)),
		zap.String("path", result.Path),
		zap.Int("servers", len(result.Servers)),
	)
	return ImportResult{Result: result, YAML: rendered}, nil
}
