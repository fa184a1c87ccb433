package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"

	"autopost/internal/config"
)

var version = "dev"

var configPath string

var configFlag = cli.StringFlag{
	Name:        "config, c",
	Usage:       "path to the YAML or JSON config file",
	EnvVar:      "AUTOPOST_CONFIG",
	Destination: &configPath,
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	app := cli.App{
		Name:      "autopost",
		HelpName:  "autopost",
		Usage:     "publishes posts to Telegram channels on weekly cycles",
		Version:   version,
		UsageText: "autopost <command> [arguments...]",
		Commands: []cli.Command{
			{
				Name:   "serve",
				Usage:  "run the scheduler, delivery workers and HTTP API",
				Action: serve,
				Flags:  serveFlags,
			},
			{
				Name:   "migrate",
				Usage:  "create the database schema and exit",
				Action: migrate,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:      "next",
				Usage:     "print the next delivery instants of a cycle slot",
				UsageText: "autopost next --weeks 2 --week 1 --weekday 2 --at 09:00",
				Action:    next,
				Flags:     nextFlags,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("autopost")
	}
}

// setupLogging switches the global logger to the configured format and level.
func setupLogging(cfg config.LoggingConfig, level zerolog.Level) {
	if cfg.Console == nil || *cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(level)
}
