package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vendora/payment-core/internal/payment"
	paymentstore "github.com/vendora/payment-core/internal/payment/postgres"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the reconciliation worker",
	Long:  `Run the reconciliation loop without the HTTP server, for deployments that separate intake from sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconciliationWorker()
	},
}

var (
	syncInterval   time.Duration
	staleThreshold time.Duration
)

func startReconciliationWorker() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	log := deps.Logger

	cfg := payment.ReconcilerConfig{
		Interval:       getDurationFlag(syncInterval, deps.Config.Reconciliation.Interval),
		MaxRetries:     deps.Config.Reconciliation.MaxRetries,
		RetryDelay:     deps.Config.Reconciliation.RetryDelay,
		StaleThreshold: getDurationFlag(staleThreshold, deps.Config.Reconciliation.StaleThreshold),
		CandidateDelay: deps.Config.Reconciliation.CandidateDelay,
	}
	deps.Reconciler.UpdateConfig(cfg)

	log.Info("starting reconciliation worker",
		"interval", cfg.Interval,
		"max_retries", cfg.MaxRetries,
		"stale_threshold", cfg.StaleThreshold)

	deps.Reconciler.Start()

	// Durable dedup entries expire after the dedup window; sweep them here so
	// the table stays bounded.
	stopPurge := make(chan struct{})
	if deps.DB != nil {
		go runDedupPurge(deps, stopPurge)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("reconciliation worker is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	log.Info("received signal, shutting down worker", "signal", sig)

	close(stopPurge)
	deps.Reconciler.Stop()

	if deps.DB != nil {
		if err := deps.DB.Close(); err != nil {
			log.Error("database close error", "error", err)
		}
	}

	stats := deps.Reconciler.Stats()
	log.Info("reconciliation worker stopped",
		"total_synced", stats.TotalSynced,
		"successful", stats.Successful,
		"failed", stats.Failed,
		"status_changed", stats.StatusChanged)
}

func runDedupPurge(deps *Dependencies, stop <-chan struct{}) {
	gormDB, err := initGorm(deps.DB)
	if err != nil {
		deps.Logger.Error("dedup purge disabled, orm init failed", "error", err)
		return
	}
	repo := paymentstore.NewDedupRepository(gormDB)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			purged, err := repo.PurgeExpired()
			if err != nil {
				deps.Logger.Error("dedup purge failed", "error", err)
				continue
			}
			if purged > 0 {
				deps.Logger.Info("purged expired webhook event ids", "count", purged)
			}
		}
	}
}

func getDurationFlag(flagValue, configValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	workerCmd.Flags().DurationVar(&syncInterval, "interval", 0, "Reconciliation interval (overrides config)")
	workerCmd.Flags().DurationVar(&staleThreshold, "stale-threshold", 0, "Stale pending threshold (overrides config)")
}
