package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/scheme-engine/api"
	"github.com/warp/scheme-engine/pkg/config"
	"github.com/warp/scheme-engine/store/postgres"
	"github.com/warp/scheme-engine/store/sqlite"
)

var (
	// Global flags
	env      string
	logLevel string
	driver   string
	dbPath   string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Savings scheme ledger and eligibility engine",
	Long: `Savings scheme ledger and eligibility engine.

Tracks gold and silver installment plans: billing schedules, payments
priced at the metal rate in force, dues and redemption eligibility.

Examples:
  server serve --port 8080
  server serve --driver sqlite --db ":memory:"
  server migrate up
  server sweep --as-of 2025-04-20`,
	SilenceUsage: true,
}

// Execute runs the root command. Called once by main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "environment (development|staging|production), overrides ENV")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "store driver (sqlite|postgres), overrides DB_DRIVER")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", `SQLite database path, ":memory:" for in-memory; overrides DB_PATH`)
}

// loadConfig reads the environment and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if env != "" {
		cfg.Env = env
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if driver != "" {
		cfg.Database.Driver = driver
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// openStore opens the configured store. The returned func closes it.
func openStore(ctx context.Context, cfg *config.Config) (api.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(pool)
		return store, store.Close, nil
	case "sqlite":
		store, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Database.Path, err)
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Database.Driver)
	}
}
