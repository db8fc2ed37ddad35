package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/scheme-engine/api"
	"github.com/warp/scheme-engine/pkg/cache"
	"github.com/warp/scheme-engine/pkg/logger"
	"github.com/warp/scheme-engine/pkg/metrics"
	"github.com/warp/scheme-engine/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server.

Startup:
  1. Load configuration
  2. Open the store (Postgres migrations run first unless --migrate=false)
  3. Connect the summary cache when REDIS_ENABLED is set
  4. Start the billing sweep scheduler when SWEEP_ENABLED is set
  5. Serve until SIGINT/SIGTERM, then drain for up to 30s`,
	RunE: runServe,
}

var (
	servePort    string
	serveMigrate bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePort, "port", "", "HTTP server port, overrides PORT")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply Postgres migrations before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Port = servePort
	}

	log := logger.New(cfg)
	log.WithFields(map[string]interface{}{
		"env":    cfg.Env,
		"port":   cfg.Port,
		"driver": cfg.Database.Driver,
	}).Info("Starting scheme engine")

	ctx := context.Background()

	if cfg.Database.Driver == "postgres" && serveMigrate {
		if err := postgres.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		log.Info("Migrations applied")
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient, err := cache.New(ctx, cfg)
	if err != nil {
		// The cache only speeds up summaries; serve without it.
		log.WithError(err).Warn("Summary cache unavailable, continuing without it")
		redisClient = cache.Disabled()
	}
	defer redisClient.Close()

	handler := api.NewHandler(store)
	handler.Log = log
	handler.Metrics = metrics.New()
	handler.Cache = cache.NewCache(redisClient, "scheme", cfg.Redis.TTL)

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPS: cfg.RateLimitRPS,
	})

	var scheduler *api.SweepScheduler
	if cfg.Sweep.Enabled {
		scheduler = api.NewSweepScheduler(handler, cfg.Sweep.Schedule)
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("API listening on http://localhost%s/api", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Shutting down server...")
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server stopped")
	return nil
}
