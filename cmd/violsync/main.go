package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/violsync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	a := &application{}

	app := &cli.App{
		Name:                 "violsync",
		Usage:                "Offline-first violation capture with background sync",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (yaml, json or toml)",
				EnvVars: []string{"VIOLSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Local database path, overrides database.path",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
			},
		},
		Before: a.setup,
		After:  a.teardown,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:   "init",
				Usage:  "Create or upgrade the local violation database",
				Action: a.initDB,
			},
			{
				Name:  "capture",
				Usage: "Record a new violation",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "photo",
						Usage:    "Path to the captured photo",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "description",
						Aliases:  []string{"d"},
						Usage:    "What happened",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "category",
						Usage:    "Violation category",
						Required: true,
					},
					&cli.Float64Flag{
						Name:  "lat",
						Usage: "Latitude of the violation",
					},
					&cli.Float64Flag{
						Name:  "lon",
						Usage: "Longitude of the violation",
					},
					&cli.StringFlag{
						Name:  "at",
						Usage: "Capture time in RFC3339, defaults to now",
					},
					&cli.StringFlag{
						Name:  "user",
						Usage: "Reporting user id, overrides capture.user_id",
					},
					&cli.BoolFlag{
						Name:  "sync",
						Usage: "Start a sync pass after saving",
					},
				},
				Action: a.capture,
			},
			{
				Name:  "list",
				Usage: "List violations captured in a date range",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "from",
						Usage: "First day (YYYY-MM-DD), defaults to today",
					},
					&cli.StringFlag{
						Name:  "to",
						Usage: "Last day (YYYY-MM-DD), defaults to --from",
					},
					&cli.BoolFlag{
						Name:  "pending",
						Usage: "List all pending violations instead",
					},
				},
				Action: a.list,
			},
			{
				Name:   "status",
				Usage:  "Show sync status",
				Action: a.status,
			},
			{
				Name:  "sync",
				Usage: "Run a sync pass now",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of violations processed in parallel, overrides sync.workers",
					},
					&cli.BoolFlag{
						Name:  "quiet",
						Usage: "Hide the progress bar",
					},
				},
				Action: a.sync,
			},
			{
				Name:   "watch",
				Usage:  "Sync whenever the network comes back and on a fixed interval",
				Action: a.watch,
			},
			{
				Name:  "export",
				Usage: "Export violations in a date range to XLSX",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "from",
						Usage: "First day (YYYY-MM-DD), defaults to today",
					},
					&cli.StringFlag{
						Name:  "to",
						Usage: "Last day (YYYY-MM-DD), defaults to --from",
					},
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Usage:    "Output .xlsx path",
						Required: true,
					},
				},
				Action: a.export,
			},
			{
				Name:  "import",
				Usage: "Import violations from CSV",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "csv",
						Usage:    "Path to CSV file",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "photos",
						Usage: "Directory that relative photo paths are resolved against",
					},
					&cli.IntFlag{
						Name:  "batch",
						Usage: "Batch size for progress reporting",
						Value: 100,
					},
				},
				Action: a.importCSV,
			},
			{
				Name:  "clear",
				Usage: "Delete every local violation, including unsynced ones",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Do not ask for confirmation",
					},
				},
				Action: a.clear,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
