package main

import (
	"context"
	"os"

	"github.com/paularlott/cli"
	"github.com/paularlott/cli/env"

	"github.com/wolfleet/wolfleet/cmd/machine"
	"github.com/wolfleet/wolfleet/cmd/schedule"
	"github.com/wolfleet/wolfleet/cmd/server"
	"github.com/wolfleet/wolfleet/cmd/status"
	"github.com/wolfleet/wolfleet/cmd/wake"
	"github.com/wolfleet/wolfleet/internal/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists
	env.Load()

	// Initialize structured logging
	log.Configure("info", "console")

	rootCmd := &cli.Command{
		Name:        "wolfleet",
		Version:     version,
		Usage:       "Wake-on-LAN fleet manager",
		Description: "Wake registered machines over the LAN, verify they come online, and track fleet reachability",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:         "log-level",
				Usage:        "Log level (trace, debug, info, warn, error)",
				DefaultValue: "info",
				EnvVars:      []string{"WOLFLEET_LOG_LEVEL"},
				Global:       true,
			},
			&cli.StringFlag{
				Name:         "log-format",
				Usage:        "Log format (console, json)",
				DefaultValue: "console",
				EnvVars:      []string{"WOLFLEET_LOG_FORMAT"},
				Global:       true,
			},
		},
		PreRun: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logLevel := cmd.GetString("log-level")
			logFormat := cmd.GetString("log-format")
			log.Configure(logLevel, logFormat)
			return ctx, nil
		},
		Commands: []*cli.Command{
			server.Command(),
			wake.Command(),
			status.Command(),
			{
				Name:        "machine",
				Usage:       "Machine management commands",
				Description: "Manage the registered machine fleet",
				Commands:    machine.Commands(),
			},
			{
				Name:        "schedule",
				Usage:       "Wake schedule commands",
				Description: "Manage recurring wake schedules",
				Commands:    schedule.Commands(),
			},
		},
	}

	if err := rootCmd.Execute(context.Background()); err != nil {
		log.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
