package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/scheme-engine/pkg/logger"
	"github.com/warp/scheme-engine/scheme"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Rebuild the billing-month cache once",
	Long: `Rebuild the billing-month cache of every active enrollment and exit.

Useful from an external scheduler when the server runs with
SWEEP_ENABLED=false.

Example:
  server sweep
  server sweep --as-of 2025-04-20`,
	RunE: runSweep,
}

var sweepAsOf string

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().StringVar(&sweepAsOf, "as-of", "", "classify as of this instant (RFC3339 or YYYY-MM-DD), default now")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New(cfg)

	asOf := time.Now().UTC()
	if sweepAsOf != "" {
		if asOf, err = scheme.ParseInstant(sweepAsOf); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	res, err := scheme.NewPaymentLedger(store).Sweep(ctx, asOf)
	log.WithFields(map[string]interface{}{
		"as_of":   asOf.Format(time.RFC3339),
		"rebuilt": res.Rebuilt,
		"overdue": res.Overdue,
		"failed":  res.Failed,
	}).Info("Sweep finished")
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}
