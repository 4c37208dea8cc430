/*
main.go - Command-line entry point

PURPOSE:
  Runs the commission engine HTTP server and the operator commands that
  share its configuration.

COMMANDS:
  serve                       HTTP API + reaper
  ingest FILE --carrier ...   Ingest one report from disk (--dry-run to only normalize)
  seed FILE                   Apply an agency roster JSON
  carriers list               Print the carrier format registry
  carriers validate FILE      Check a registry TOML file

CONFIGURATION:
  --config points at a TOML file (see config/config.go). Environment
  variables and a .env file override it.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the reaper
  4. Close database connection

EXAMPLES:
  commission serve --config commission.toml
  commission ingest march.csv --carrier Aflac --agency agency-1 --dry-run
  commission seed roster.json

SEE ALSO:
  - api/server.go: Router configuration
  - ingest/engine.go: Report ingestion
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/observability"
	"github.com/warp/commission-engine/store/sqlite"
)

// app is the state every subcommand starts from.
type app struct {
	configPath string
	cfg        config.Config
	log        zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "commission",
		Short:         "Commission attribution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = observability.NewLogger(observability.LogConfig{
				Level:   cfg.Log.Level,
				Pretty:  cfg.Log.Pretty,
				Service: "commission",
			})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a TOML config file")

	root.AddCommand(
		newServeCmd(a),
		newIngestCmd(a),
		newSeedCmd(a),
		newCarriersCmd(a),
	)
	return root
}

// registry loads the configured carrier registry.
func (a *app) registry() (*carrier.Registry, error) {
	if a.cfg.Carriers.File == "" {
		return carrier.Default()
	}
	return carrier.LoadFile(a.cfg.Carriers.File)
}

func (a *app) openStore() (*sqlite.Store, error) {
	store, err := sqlite.New(a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", a.cfg.Database.Path, err)
	}
	return store, nil
}
