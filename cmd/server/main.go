package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/livelook-roulette/internal/api"
	"github.com/isqad/livelook-roulette/internal/config"
	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus"
	"github.com/isqad/livelook-roulette/internal/lifecycle"
	"github.com/isqad/livelook-roulette/internal/ratelimit"
	"github.com/isqad/livelook-roulette/internal/telemetry"
	"github.com/isqad/livelook-roulette/internal/ws"
)

const limiterCleanupInterval = time.Minute

func main() {
	app := &cli.App{
		Name:        "livelook-roulette",
		Usage:       "Anonymous text and video chat roulette",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment: either 'development' or 'production', overrides the config",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':80' for listen on 0.0.0.0:80, overrides the config",
			},
			&cli.BoolFlag{
				Name:  "archive-api",
				Usage: "serve archived sessions from postgres under /api/v1/sessions",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("env") {
		cfg.Env = core.Environment(c.String("env"))
	}
	if c.IsSet("address") {
		cfg.Address = c.String("address")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ws.InitLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.Limits.Backend == "redis" || cfg.Mirror.Driver == config.MirrorRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("can't connect to redis: %w", err)
		}
	}

	var backend ratelimit.Backend
	if cfg.Limits.Backend == "redis" {
		backend = ratelimit.NewRedisBackend(rdb)
	} else {
		memory := ratelimit.NewMemoryBackend()
		go memory.Run(ctx, limiterCleanupInterval)
		backend = memory
	}
	limiter := ratelimit.New(backend, cfg.Limits.FailOpen)

	mirror, err := newMirror(cfg, rdb)
	if err != nil {
		return err
	}
	var emitter lifecycle.Emitter
	if mirror != nil {
		go mirror.Run(ctx)
		emitter = mirror
	}

	var archive api.SessionsLister
	if c.Bool("archive-api") {
		db, err := sqlx.Connect("pgx", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("can't connect to postgres: %w", err)
		}
		defer db.Close()

		archive = core.NewSessionsRepository(db)
	}

	kinds := make([]lifecycle.KindConfig, 0, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds = append(kinds, lifecycle.KindConfig{Kind: k.Name, Policy: k.Policy, RequireReady: k.RequireReady})
	}

	hub := ws.NewHub()
	controller := lifecycle.NewController(lifecycle.Config{
		Kinds: kinds,
		Limits: lifecycle.Limits{
			Join:  cfg.Limits.Join,
			Relay: cfg.Limits.Relay,
			Next:  cfg.Limits.Next,
		},
		SignalBuffer: cfg.Relay.SignalBuffer,
		AvoidWindow:  cfg.Matching.AvoidWindow,
	}, limiter, hub, emitter)

	prometheus.MustRegister(telemetry.NewStatsCollector(controller))

	store := api.NewCookieStore(cfg.Cookie.Secret, cfg.Env)

	wsApp := ws.New(ws.WsAppOptions{
		Env:            cfg.Env,
		Address:        cfg.Address,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		Hub:            hub,
		Lifecycle:      controller,
		Limiter:        limiter,
		ConnectRule:    cfg.Limits.Connect,
		CookieStore:    store,
		API: api.NewApp(api.AppOptions{
			Stats:       controller,
			CookieStore: store,
			Archive:     archive,
		}).Router(),
	})

	if err := wsApp.Start(); err != nil {
		return err
	}

	// disconnects of the closed websockets are mirrored too, flush them
	cancel()
	if mirror != nil {
		<-mirror.Done()
	}

	return nil
}

func newMirror(cfg *config.Config, rdb *redis.Client) (*eventbus.Mirror, error) {
	switch cfg.Mirror.Driver {
	case config.MirrorRedis:
		return eventbus.NewMirror(eventbus.RedisPubSub(rdb), cfg.Mirror.Buffer), nil
	case config.MirrorNats:
		publisher, err := eventbus.NatsConnect(cfg.Nats.Addr)
		if err != nil {
			return nil, fmt.Errorf("can't connect to nats: %w", err)
		}
		return eventbus.NewMirror(publisher, cfg.Mirror.Buffer), nil
	default:
		return nil, nil
	}
}
