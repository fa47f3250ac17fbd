package main

import (
	"os"
	"strings"

	"github.com/ErikDubbelboer/gspt"
	mLog "github.com/bakape/liveupdate/log"
	"github.com/go-playground/log"
	"github.com/urfave/cli/v2"
)

func main() {
	// Censor the database connection string in the process title
	args := make([]string, 0, len(os.Args))
	for i := 0; i < len(os.Args); i++ {
		arg := os.Args[i]
		switch {
		case strings.HasPrefix(arg, "--database="):
			args = append(args, "--database=****")
		case arg == "--database" || arg == "-d":
			args = append(args, arg, "****")
			i++
		default:
			args = append(args, arg)
		}
	}
	gspt.SetProcTitle(strings.Join(args, " "))

	app := &cli.App{
		Name:  "liveupdate",
		Usage: "real-time live thread broadcasting and activity tracking",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to JSON configuration file",
				EnvVars: []string{"LIVEUPDATE_CONFIG"},
				Value:   "config.json",
			},
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "PostgreSQL connection URL",
				EnvVars: []string{"LIVEUPDATE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "address to listen on for incoming HTTP connections",
				EnvVars: []string{"LIVEUPDATE_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "bus",
				Usage:   "broadcast fan-out mode: postgres or local",
				EnvVars: []string{"LIVEUPDATE_BUS"},
			},
			&cli.BoolFlag{
				Name:    "reverse-proxied",
				Aliases: []string{"r"},
				Usage:   "assume server is behind reverse proxy, when resolving client IPs",
				EnvVars: []string{"LIVEUPDATE_REVERSE_PROXIED"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{"LIVEUPDATE_DEBUG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the server without daemonising",
				Action: serveForeground,
			},
			{
				Name:   "start",
				Usage:  "start the server as a daemon",
				Action: startDaemon,
			},
			{
				Name:   "stop",
				Usage:  "stop a running daemonised server",
				Action: stopDaemon,
			},
			{
				Name:  "restart",
				Usage: "combination of stop + start",
				Action: func(c *cli.Context) error {
					if err := stopDaemon(c); err != nil {
						return err
					}
					return startDaemon(c)
				},
			},
			{
				Name:   "activity",
				Usage:  "run a single activity aggregation and exit",
				Action: runActivity,
			},
			{
				Name:  "scraper",
				Usage: "process embed scraping jobs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "number of concurrent workers",
					},
				},
				Action: runScraper,
			},
			{
				Name:   "housekeeping",
				Usage:  "close abandoned threads, expire stale records and exit",
				Action: runHousekeeping,
			},
		},
		DefaultCommand: "serve",
		Before: func(c *cli.Context) error {
			mLog.Debug = c.Bool("debug")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		mLog.Init(mLog.Console)
		log.Fatal(err)
	}
}
