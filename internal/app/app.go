package app

import (
	"context"
	"os"

	"go.uber.org/zap"
)

// App is the entry point the CLI drives.
type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
	NoWatch    bool
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{logger: logger}
}

// Serve runs the gateway on stdin/stdout until the client disconnects or ctx ends.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	application, cleanup, err := InitializeApplication(ctx, cfg, Logging{Logger: a.logger.Named("app")})
	if err != nil {
		return err
	}
	defer cleanup()
	return application.Run(os.Stdin, os.Stdout)
}
