package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/scheme-engine/pkg/logger"
	"github.com/warp/scheme-engine/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply or roll back Postgres migrations",
	Long: `Apply or roll back the Postgres schema.

SQLite creates its schema on open and needs no migrations.

Example:
  DATABASE_URL=postgres://... server migrate up`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate needs DB_DRIVER=postgres, got %q", cfg.Database.Driver)
	}
	log := logger.New(cfg)

	direction := "up"
	if len(args) == 1 {
		direction = args[0]
	}

	if direction == "down" {
		err = postgres.RunMigrationsDown(cfg.Database.URL, cfg.Database.MigrationsDir)
	} else {
		err = postgres.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	log.WithField("direction", direction).Info("Migrations complete")
	return nil
}
