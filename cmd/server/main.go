/*
main.go - Application entry point

PURPOSE:
  Starts the billing engine server and exposes operator commands.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  server serve                              HTTP API + indexation monitor
  server timebank --agreement ID [--date D] Print timebank status
  server split --logged H --remaining H     Preview a billing split

STARTUP SEQUENCE (serve):
  1. Load .env and environment (config.Load)
  2. Initialize logger
  3. Open SQLite store (migrations run on open)
  4. Pick agreement lock: Redis when REDIS_ADDR is set, else in-process
  5. Create service, handler, router, indexation monitor
  6. Start server with graceful shutdown

FLAGS:
  --addr   HTTP listen address (overrides APP_ADDR)
  --db     SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the indexation monitor
  2. Stop accepting new connections
  3. Wait for active requests (APP_SHUTDOWN_TIMEOUT)
  4. Close Redis and database connections

EXAMPLES:
  ./server serve --db ./data/billing.db
  REDIS_ADDR=localhost:6379 ./server serve
  ./server timebank --agreement agr-acme-tb --date 2025-03-15
  ./server split --logged 10 --remaining 4

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/logger"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Billing and timebank consumption engine",
	Long: `Computes timebank consumption, splits logged work between prepaid
pool and overtime, and drives billing batches through review, export
and lock.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "HTTP listen address (overrides APP_ADDR)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides DB_PATH)")

	rootCmd.AddCommand(serveCmd, timebankCmd, splitCmd)
}

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Setup(cfg.LoggerConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// applyFlagOverrides lets --addr and --db win over the environment.
func applyFlagOverrides(cmd *cobra.Command) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.AppAddr = addr
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
}
