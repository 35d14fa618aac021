package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/imapmux/imapmux/config"
)

const ServiceName = "imapmux"

var (
	version    = "0.0.0"
	commit     = "hash"
	commitDate = ""
)

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Multi-tenant IMAP sync engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		// No command starts the server.
		Action: serverAction,
		Commands: []*cli.Command{
			serverCmd(),
			encryptCmd(),
			scanCmd(),
			passwordCmd(),
			tokensCmd(),
			versionCmd(),
		},
	}
	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the sync engine",
		Action:  serverAction,
	}
}

func serverAction(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config_file"))
	if err != nil {
		return err
	}
	app := NewApp(cfg)

	if err := app.Start(c.Context); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("Shutting down...")
	return app.Stop(context.Background())
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(c *cli.Context) error {
			fmt.Printf("%s %s (%s %s)\n", ServiceName, version, commit, commitDate)
			return nil
		},
	}
}
