// Command flotilla manages a fleet of independently deployed application
// stacks on a single host: it creates, lists, starts, stops, updates and
// autoscales instances, and keeps the reverse proxy's routing table
// consistent with the fleet.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/urfave/cli"
)

// toolVersion is stamped into marker files and creation metadata.
// Overridden at build time via -ldflags.
var toolVersion = "dev"

// exitUsage is the fixed sentinel exit code for usage errors and missing
// external dependencies.
const exitUsage = 64

func main() {
	app := cli.NewApp()
	app.Name = "flotilla"
	app.Usage = "manage a fleet of application stacks on this host"
	app.Version = toolVersion
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "/etc/flotilla/config.yaml",
			Usage: "tool configuration file",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "log at debug level",
		},
	}
	app.Commands = commands()
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

// newLogger builds the CLI logger: human-readable text on stderr so command
// output on stdout stays machine-consumable.
func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if c.GlobalBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
