package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/broker"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/ops"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/persistence"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/persistence/postgres"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/persistence/rediscache"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, WebSocket event relay, and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rtCfg := fabric.DefaultRuntimeConfig()
			rtCfg.SweepInterval = appCfg.Fabric.SweepInterval
			rtCfg.EvalInterval = appCfg.Fabric.EvalInterval
			rtCfg.Broker = broker.Config{
				MaxQueueSize:   appCfg.Fabric.MaxQueueSize,
				MaxHistorySize: broker.DefaultConfig().MaxHistorySize,
			}
			rt := fabric.NewRuntime(rtCfg)
			defer rt.Shutdown()
			if err := rt.RegisterBacktestTools(); err != nil {
				return err
			}

			var runs persistence.RunsRepo
			if appCfg.Postgres.Enabled {
				db, err := postgres.Connect(ctx, postgres.ConnConfig{
					DSN:             appCfg.Postgres.DSN,
					MaxOpenConns:    appCfg.Postgres.MaxOpenConns,
					MaxIdleConns:    appCfg.Postgres.MaxIdleConns,
					ConnMaxLifetime: appCfg.Postgres.ConnMaxLifetime,
					QueryTimeout:    appCfg.Postgres.QueryTimeout,
				})
				if err != nil {
					return err
				}
				defer db.Close()
				if err := postgres.EnsureSchema(ctx, db); err != nil {
					return err
				}
				runs = postgres.NewRunsRepo(db, appCfg.Postgres.QueryTimeout)
			}

			srv := ops.NewServer(appCfg.Server, rt, runs)
			if appCfg.Redis.Enabled {
				cache := rediscache.New(rediscache.Config{
					Addr:       appCfg.Redis.Addr,
					DB:         appCfg.Redis.DB,
					Password:   appCfg.Redis.Password,
					DefaultTTL: appCfg.Redis.DefaultTTL,
				})
				pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				err := cache.Ping(pingCtx)
				cancel()
				if err != nil {
					log.Warn().Err(err).Msg("redis unreachable, continuing without cache")
				} else {
					srv.SetCache(cache)
				}
			}

			err := srv.Start(ctx)
			log.Info().Msg("server stopped")
			return err
		},
	}
}
