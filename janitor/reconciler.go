// koban/janitor/reconciler.go
package janitor

import (
	"context"
	"fmt"
	"time"

	"koban/storage"

	"github.com/VictoriaMetrics/metrics"
)

var (
	orphansDeleted = metrics.NewCounter("koban_reconcile_orphans_deleted_total")
	orphansSkipped = metrics.NewCounter("koban_reconcile_orphans_in_grace_total")
)

// ReconcileReport summarizes one reconciliation pass over the object store.
type ReconcileReport struct {
	Scanned    int // objects listed in the store
	Referenced int // distinct keys referenced by live rows
	Orphans    int // objects with no referencing row
	InGrace    int // orphans left alone, too recently modified
	Deleted    int
	Errors     int // per-object delete failures
}

// reconcileBlobs computes present − referenced and deletes the orphans that
// are older than the grace window. The database is the source of truth:
// blobs are reclaimed when no row references them, rows are never touched
// because a blob went missing. The grace window tolerates the gap between a
// blob upload completing and its owning row committing, which is the only
// consistency mechanism between the two stores.
func (j *Janitor) reconcileBlobs(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	referenced, err := j.db.ReferencedMediaKeys(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to load referenced keys: %w", err)
	}
	report.Referenced = len(referenced)

	cutoff := time.Now().Add(-j.cfg.GraceWindow)

	var orphans []string
	err = j.store.List(ctx, func(obj storage.ObjectInfo) error {
		report.Scanned++
		if _, ok := referenced[obj.Key]; ok {
			return nil
		}
		report.Orphans++
		if obj.LastModified.After(cutoff) {
			report.InGrace++
			orphansSkipped.Inc()
			return nil
		}
		orphans = append(orphans, obj.Key)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("failed to list object store: %w", err)
	}

	for _, key := range orphans {
		if err := j.limiter.Wait(ctx); err != nil {
			return report, err
		}
		if err := j.store.Delete(ctx, key); err != nil {
			// Count and continue; the next pass retries whatever is left.
			report.Errors++
			blobDeleteErrors.Inc()
			j.logger.Warn("Failed to delete orphan blob", "key", key, "error", err)
			continue
		}
		report.Deleted++
		orphansDeleted.Inc()
	}

	if report.Orphans > 0 {
		j.logger.Info("Blob reconciliation complete",
			"scanned", report.Scanned,
			"referenced", report.Referenced,
			"orphans", report.Orphans,
			"in_grace", report.InGrace,
			"deleted", report.Deleted,
			"errors", report.Errors,
		)
	}
	return report, nil
}
