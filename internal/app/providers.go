package app

import (
	"context"

	"tradeloop/internal/config"
)

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppBuilder(cfg *config.Config, opts []AppBuilderOption) *AppBuilder {
	return NewAppBuilder(cfg, opts...)
}

func provideAppFromBuilder(ctx context.Context, b appBuilderDeps) (*App, error) {
	return b.Build(ctx)
}
