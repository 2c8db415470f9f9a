// Package main provides the stockbox binary: schema migrations, outbox
// dispatchers, the stale sweep and the inventory HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "stockbox",
		Usage: "Multi-tenant inventory core with a transactional outbox",
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Apply the database migrations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runMigrate(LoadConfig())
				},
			},
			{
				Name:  "dispatch",
				Usage: "Run outbox dispatchers until interrupted",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "dispatchers",
						Aliases: []string{"n"},
						Value:   0,
						Usage:   "Number of dispatchers to run (overrides DISPATCHERS)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := LoadConfig()
					if n := int(cmd.Int("dispatchers")); n > 0 {
						cfg.Dispatchers = n
					}
					return runDispatch(ctx, cfg)
				},
			},
			{
				Name:  "sweep",
				Usage: "Return stale in-progress events to pending once and exit",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runSweep(ctx, LoadConfig())
				},
			},
			{
				Name:  "serve",
				Usage: "Start the inventory HTTP API",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServe(ctx, LoadConfig())
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
