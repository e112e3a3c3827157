package fx

import (
	"context"

	"blockbattle/internal/config"
	"blockbattle/internal/database"
	"blockbattle/internal/logger"
	"blockbattle/internal/realtime"
	"blockbattle/internal/repository"
	"blockbattle/internal/server"
	"blockbattle/internal/service"

	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

func ProvideBroker(lc fx.Lifecycle, log zerolog.Logger) *realtime.Broker {
	b := realtime.NewBroker(context.Background(), log)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			b.Shutdown()
			return nil
		},
	})
	return b
}

var Module = fx.Options(
	logger.Module,
	config.Module,
	fx.Provide(database.New),
	fx.Provide(ProvideBroker),
	// repos
	fx.Provide(repository.NewRankRepository),
	fx.Provide(repository.NewQueueRepository),
	fx.Provide(repository.NewMatchRepository),
	fx.Provide(repository.NewHistoryRepository),
	// svc
	fx.Provide(service.NewRankService),
	fx.Provide(service.NewMatchmakingService),
	fx.Provide(service.NewProfileService),
	// gateway
	fx.Provide(server.NewGateway),
)
