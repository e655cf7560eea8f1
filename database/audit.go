// koban/database/audit.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"koban/models"
	"koban/utils"
)

// AppendAudit records one lifecycle-affecting action inside the caller's
// transaction. If the insert fails the enclosing transaction must fail with
// it; the trail never silently drops a write.
func AppendAudit(tx *sql.Tx, e models.AuditEntry) error {
	detail := e.Detail
	if detail == "" {
		detail = "{}"
	}
	_, err := tx.Exec(`
		INSERT INTO audit_log (created_at, admin, action, ip, board_id, thread_id, post_id, ban_id, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		utils.GetSQLTime(), e.Admin, e.Action, e.IP, e.BoardID, e.ThreadID, e.PostID, e.BanID, e.Reason, detail)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// AuditTrailForIP reconstructs what happened to an IP address, newest first.
func (ds *DatabaseService) AuditTrailForIP(ctx context.Context, ip string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT id, created_at, admin, action, ip, board_id, thread_id, post_id, ban_id, reason, detail
		FROM audit_log WHERE ip = ? ORDER BY id DESC LIMIT ?`, ip, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in AuditTrailForIP", "error", err)
		}
	}()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Admin, &e.Action, &e.IP,
			&e.BoardID, &e.ThreadID, &e.PostID, &e.BanID, &e.Reason, &e.Detail); err != nil {
			ds.logger.Error("Failed to scan audit row", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeAuditLog deletes audit records older than maxAge. This long-horizon
// retention job is the only thing allowed to remove audit rows, and it is
// independent of thread retention.
func (ds *DatabaseService) PurgeAuditLog(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := utils.GetSQLTime().Add(-maxAge)
	res, err := ds.DB.ExecContext(ctx, "DELETE FROM audit_log WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit log: %w", err)
	}
	return res.RowsAffected()
}
