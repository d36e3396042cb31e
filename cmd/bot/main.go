package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-roulette/internal/bot"
	"github.com/isqad/livelook-roulette/internal/config"
	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/ws"
)

func main() {
	app := &cli.App{
		Name:        "livelook-roulette-bot",
		Usage:       "Bot that joins the roulette and talks to whoever it is paired with",
		Description: "",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file, ice_servers are taken from it",
			},
			&cli.StringFlag{
				Name:  "host",
				Value: "localhost:8080",
				Usage: "main host of server",
			},
			&cli.BoolFlag{
				Name:  "tls",
				Usage: "connect over https and wss",
			},
			&cli.StringFlag{
				Name:  "name",
				Value: "bot",
				Usage: "display name",
			},
			&cli.StringFlag{
				Name:  "kind",
				Value: "text",
				Usage: "conversation kind to join",
			},
			&cli.BoolFlag{
				Name:  "video",
				Usage: "negotiate a WebRTC peer connection with every partner",
			},
			&cli.StringFlag{
				Name:  "video-file",
				Usage: "IVF file streamed to the partner",
			},
			&cli.StringFlag{
				Name:  "greeting",
				Value: "hi there",
				Usage: "first chat message to a new partner",
			},
		},
		Action: startBot,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%v\n", err)
	}
}

func startBot(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	ws.InitLogger(cfg.Env)

	b, err := bot.New(bot.Options{
		Host:      c.String("host"),
		Secure:    c.Bool("tls"),
		Name:      c.String("name"),
		Kind:      core.Kind(c.String("kind")),
		Video:     c.Bool("video") || c.String("video-file") != "",
		VideoFile: c.String("video-file"),
		Greeting:  c.String("greeting"),
		WebRTC:    cfg.WebRTCConfiguration(),
	})
	if err != nil {
		return err
	}

	return b.Start()
}
