// CoralSync relays and synchronizes files between heterogeneous
// storage backends through a uniform provider abstraction.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "0.1.0-dev"

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "coralsync",
		Usage:                "cross-backend file relay and synchronization",
		Version:              version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "owner",
				Usage: "owner id scoping connections and jobs",
				Value: "local",
			},
		},
		Commands: []*cli.Command{
			connectionCommand(),
			transferCommand(),
			syncCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
