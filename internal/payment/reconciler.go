package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vendora/payment-core/internal/core/events"
)

type ReconcilerConfig struct {
	Interval       time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	StaleThreshold time.Duration
	CandidateDelay time.Duration
}

// SyncStats accumulates monotonically across cycles and is reset only on
// explicit operator action.
type SyncStats struct {
	TotalSynced   int64      `json:"total_synced"`
	Successful    int64      `json:"successful"`
	Failed        int64      `json:"failed"`
	StatusChanged int64      `json:"status_changed"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
}

// Reconciler is the safety net for payments the webhook path never resolves.
// It re-polls the gateway sequentially, one candidate at a time, so a single
// slow payment never floods the provider.
type Reconciler struct {
	service  ServiceAPI
	eventBus *events.EventBus
	metrics  *Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cfg    ReconcilerConfig
	cancel context.CancelFunc
	done   chan struct{}

	statsMu sync.Mutex
	stats   SyncStats
}

func NewReconciler(service ServiceAPI, eventBus *events.EventBus, cfg ReconcilerConfig, metrics *Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		service:  service,
		eventBus: eventBus,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start launches the timer loop. Calling Start on a running reconciler is a
// no-op.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx, r.cfg, r.done)

	r.logger.Info("reconciliation loop started",
		"interval", r.cfg.Interval,
		"max_retries", r.cfg.MaxRetries,
		"stale_threshold", r.cfg.StaleThreshold)
}

// Stop cancels the timer and waits for any in-flight cycle to finish.
// Calling Stop on a stopped reconciler is a no-op.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("reconciliation loop stopped")
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// UpdateConfig stops the timer, swaps the configuration, and restarts the
// loop if it was running.
func (r *Reconciler) UpdateConfig(cfg ReconcilerConfig) {
	wasRunning := r.IsRunning()
	r.Stop()

	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	if wasRunning {
		r.Start()
	}
}

func (r *Reconciler) run(ctx context.Context, cfg ReconcilerConfig, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single reconciliation cycle. Per-payment failures are
// isolated and aggregated; only an unrecoverable cycle-level failure ends
// the cycle early, and the timer still schedules the next one.
func (r *Reconciler) RunOnce(ctx context.Context) []SyncResult {
	defer func() {
		if rec := recover(); rec != nil {
			reason := fmt.Sprintf("panic during reconciliation cycle: %v", rec)
			r.logger.Error("reconciliation cycle failed", "panic", rec)
			r.publishSyncFailed(ctx, reason)
		}
	}()

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	candidates, err := r.service.ReconciliationCandidates(cfg.StaleThreshold)
	if err != nil {
		r.logger.Error("failed to select reconciliation candidates", "error", err)
		r.publishSyncFailed(ctx, err.Error())
		return nil
	}

	if len(candidates) == 0 {
		r.logger.Debug("no payments to reconcile")
		now := time.Now().UTC()
		r.statsMu.Lock()
		r.stats.LastSyncAt = &now
		r.statsMu.Unlock()
		r.metrics.IncSyncRuns()
		return nil
	}

	r.logger.Info("reconciliation cycle started", "candidates", len(candidates))

	results := make([]SyncResult, 0, len(candidates))
	var successful, failed, statusChanged int64

	for i, p := range candidates {
		if ctx.Err() != nil {
			break
		}

		result := r.syncWithRetry(ctx, cfg, p.ID)
		results = append(results, result)

		if result.Synced {
			successful++
			if result.StatusChanged {
				statusChanged++
			}
		} else {
			failed++
		}

		// small fixed delay between candidates to respect gateway rate limits
		if i < len(candidates)-1 && cfg.CandidateDelay > 0 {
			if !sleepCtx(ctx, cfg.CandidateDelay) {
				break
			}
		}
	}

	now := time.Now().UTC()
	r.statsMu.Lock()
	r.stats.TotalSynced += int64(len(results))
	r.stats.Successful += successful
	r.stats.Failed += failed
	r.stats.StatusChanged += statusChanged
	r.stats.LastSyncAt = &now
	stats := r.stats
	r.statsMu.Unlock()

	r.metrics.IncSyncRuns()
	r.metrics.AddSyncStatusChanged(statusChanged)

	if r.eventBus != nil {
		resultData := make(map[string]interface{}, len(results))
		for _, res := range results {
			resultData[res.PaymentID] = res
		}
		r.eventBus.Publish(ctx, events.NewSyncCompletedEvent(stats.TotalSynced, stats.Successful, stats.Failed, stats.StatusChanged, resultData))
	}

	r.logger.Info("reconciliation cycle completed",
		"synced", len(results),
		"successful", successful,
		"failed", failed,
		"status_changed", statusChanged)

	return results
}

// syncWithRetry wraps one payment's sync in a bounded retry loop with
// linear-multiple backoff. Exhaustion is a sync failure for that payment,
// never fatal to the cycle.
func (r *Reconciler) syncWithRetry(ctx context.Context, cfg ReconcilerConfig, paymentID string) SyncResult {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		result, err := r.service.SyncPaymentStatus(ctx, paymentID)
		if err == nil && result != nil {
			return *result
		}

		lastErr = err
		r.logger.Warn("payment sync attempt failed",
			"payment_id", paymentID,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"error", err)

		if attempt < cfg.MaxRetries {
			if !sleepCtx(ctx, cfg.RetryDelay*time.Duration(attempt)) {
				break
			}
		}
	}

	r.logger.Error("payment sync retries exhausted", "payment_id", paymentID, "error", lastErr)

	result := SyncResult{PaymentID: paymentID}
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	return result
}

func (r *Reconciler) publishSyncFailed(ctx context.Context, reason string) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(ctx, events.NewSyncFailedEvent(reason))
}

// Stats returns a snapshot of the accumulated counters.
func (r *Reconciler) Stats() SyncStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	stats := r.stats
	if r.stats.LastSyncAt != nil {
		t := *r.stats.LastSyncAt
		stats.LastSyncAt = &t
	}
	return stats
}

// ResetStats zeroes the counters. Operator action only.
func (r *Reconciler) ResetStats() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats = SyncStats{}
}

// sleepCtx sleeps for d unless the context is cancelled first. Returns false
// on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
