package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/disktrolink/config"
	"github.com/jaywantadh/disktrolink/pkg/env"
	"github.com/jaywantadh/disktrolink/pkg/logging"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "disktrolink",
		Usage: "Send files through short invite codes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   ".",
				Usage:   "directory containing config.yaml",
				EnvVars: []string{"DISKTROLINK_CONFIG_DIR"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose text logging",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "service URL for client commands (overrides server_url)",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if c.Bool("debug") {
				cfg.Debug = true
			}
			if c.IsSet("server") {
				cfg.ServerURL = c.String("server")
			}
			logging.InitLogger(cfg.Debug)
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			sendCommand(),
			receiveCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}
