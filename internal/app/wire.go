//go:build wireinject

package app

import (
	"context"

	"klinefeed/internal/config"

	"github.com/google/wire"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config) (*App, error) {
	wire.Build(provideAppBuilder, provideAppFromBuilder)
	return nil, nil
}
