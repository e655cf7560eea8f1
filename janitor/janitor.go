// koban/janitor/janitor.go
//
// The janitor owns the periodic convergence tasks: blob reconciliation,
// dead-thread reaping, the capacity backstop, and audit-log retention. Each
// tick runs the tasks sequentially; a tick that is still running when the
// next one fires is skipped, not queued.
package janitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"koban/database"
	"koban/storage"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/time/rate"
)

var (
	reapedThreads    = metrics.NewCounter("koban_janitor_reaped_threads_total")
	backstopRetired  = metrics.NewCounter("koban_janitor_backstop_retired_total")
	purgedAuditRows  = metrics.NewCounter("koban_janitor_purged_audit_rows_total")
	blobDeleteErrors = metrics.NewCounter("koban_janitor_blob_delete_errors_total")
	skippedTicks     = metrics.NewCounter("koban_janitor_skipped_ticks_total")
	taskErrors       = metrics.NewCounter("koban_janitor_task_errors_total")
)

type Config struct {
	Interval       time.Duration // tick cadence
	GraceWindow    time.Duration // orphan blobs younger than this survive
	Retention      time.Duration // dead threads older than this are reaped
	AuditRetention time.Duration // audit rows older than this are purged
}

// TickReport aggregates the outcome of one janitor pass. Task errors are
// recorded per task; a failing task never prevents its siblings from running.
type TickReport struct {
	Started   time.Time
	Reconcile ReconcileReport
	Reaped    int
	Retired   int
	Purged    int64
	Errors    map[string]error
}

type Janitor struct {
	db      *database.DatabaseService
	store   storage.ObjectStore
	logger  *slog.Logger
	cfg     Config
	running atomic.Bool
	// Blob deletions during reconcile and reap are throttled so a large
	// sweep cannot saturate the object store.
	limiter *rate.Limiter
}

func New(db *database.DatabaseService, store storage.ObjectStore, logger *slog.Logger, cfg Config) *Janitor {
	return &Janitor{
		db:      db,
		store:   store,
		logger:  logger.With("system", "janitor"),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(50), 10),
	}
}

// Start runs the janitor loop until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info("Janitor started", "interval", j.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single janitor pass. If a previous pass is still in
// flight the call is a no-op; overlapping runs are skipped rather than
// queued.
func (j *Janitor) RunOnce(ctx context.Context) *TickReport {
	if !j.running.CompareAndSwap(false, true) {
		skippedTicks.Inc()
		j.logger.Warn("Previous janitor pass still running, skipping tick")
		return nil
	}
	defer j.running.Store(false)

	report := &TickReport{
		Started: time.Now(),
		Errors:  make(map[string]error),
	}

	reconcile, err := j.reconcileBlobs(ctx)
	report.Reconcile = reconcile
	if err != nil {
		report.Errors["reconcile"] = err
		taskErrors.Inc()
		j.logger.Error("Blob reconciliation failed", "error", err)
	}

	reaped, mediaKeys, err := j.db.ReapDeadThreads(ctx, j.cfg.Retention)
	report.Reaped = reaped
	if err != nil {
		report.Errors["reap"] = err
		taskErrors.Inc()
		j.logger.Error("Dead-thread reap failed", "error", err)
	} else {
		reapedThreads.Add(reaped)
		// Blobs go after the rows have committed; the object store being
		// down only delays reclamation until the next reconcile pass.
		go j.deleteBlobs(context.WithoutCancel(ctx), mediaKeys)
	}

	retired, err := j.db.EnforceBoardCapacity(ctx)
	report.Retired = retired
	if err != nil {
		report.Errors["backstop"] = err
		taskErrors.Inc()
		j.logger.Error("Capacity backstop failed", "error", err)
	} else {
		backstopRetired.Add(retired)
	}

	purged, err := j.db.PurgeAuditLog(ctx, j.cfg.AuditRetention)
	report.Purged = purged
	if err != nil {
		report.Errors["audit_retention"] = err
		taskErrors.Inc()
		j.logger.Error("Audit-log purge failed", "error", err)
	} else {
		purgedAuditRows.Add(int(purged))
	}

	j.logger.Info("Janitor pass complete",
		"duration", time.Since(report.Started).Round(time.Millisecond),
		"orphans_deleted", reconcile.Deleted,
		"reaped", report.Reaped,
		"backstop_retired", report.Retired,
		"audit_purged", report.Purged,
		"errors", len(report.Errors),
	)
	return report
}

// deleteBlobs removes a batch of object keys best-effort, throttled.
// Failures are logged and counted only; a missed delete is picked up by the
// next reconcile pass.
func (j *Janitor) deleteBlobs(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := j.limiter.Wait(ctx); err != nil {
			return
		}
		if err := j.store.Delete(ctx, key); err != nil {
			blobDeleteErrors.Inc()
			j.logger.Warn("Failed to delete blob", "key", key, "error", err)
		}
	}
}
