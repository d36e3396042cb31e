package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livelook-roulette/internal/archive"
	"github.com/isqad/livelook-roulette/internal/config"
	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus"
	"github.com/isqad/livelook-roulette/internal/ws"
)

func main() {
	app := &cli.App{
		Name:        "livelook-roulette-archiver",
		Usage:       "Archive service",
		Description: "Stores metadata of roulette sessions mirrored through NATS or redis",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file",
			},
		},
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func start(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	ws.InitLogger(cfg.Env)

	db, err := sqlx.Connect("pgx", cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	daemon := archive.New(core.NewSessionsRepository(db))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Mirror.Driver {
	case config.MirrorRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		defer rdb.Close()

		sub, err := eventbus.RedisPubSub(rdb).Subscribe(ctx)
		if err != nil {
			return err
		}
		return daemon.RunRedis(ctx, sub)
	default:
		if err := daemon.Connect(cfg.Nats.Addr); err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			daemon.Stop()
		}()
		if err := daemon.Run(); err != nil {
			log.Error().Err(err).Str("service", "archive").Msg("")
			return err
		}
		return nil
	}
}
