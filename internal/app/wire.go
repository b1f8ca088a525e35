//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"
)

func InitializeApplication(ctx context.Context, cfg ServeConfig, logging Logging) (*Application, func(), error) {
	wire.Build(AppSet)
	return nil, nil, nil
}
