package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/wehubfusion/Talos/pkg/concurrency"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "talos",
		Usage:                 "Run workflow graphs on a bounded, self-healing worker pool",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Sources: cli.EnvVars("TALOS_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides the config file",
			},
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			// GOMAXPROCS must follow the container quota before worker sizing reads it
			concurrency.InitializeForKubernetes(nil)
			return ctx, nil
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newServeCommand(),
			newValidateCommand(),
		},
	}
}
