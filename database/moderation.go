// koban/database/moderation.go
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"koban/models"
	"koban/notify"
	"koban/utils"
)

// nullableAdmin wraps an acting admin name; empty means system-initiated.
func nullableAdmin(admin string) sql.NullString {
	return sql.NullString{String: admin, Valid: admin != ""}
}

// DeletePost removes a post, or the whole thread when the post is its
// opener. The audit record is written in the same transaction; the returned
// media keys are for best-effort blob cleanup after commit.
func (ds *DatabaseService) DeletePost(ctx context.Context, postID int64, admin, reason string) (mediaKeys []string, err error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer ds.rollback(tx, "DeletePost")

	var (
		boardID  string
		threadID int64
		ip       string
		mediaKey string
		thumbKey string
		isOp     bool
	)
	err = tx.QueryRow(`
		SELECT p.board_id, p.thread_id, p.ip, p.media_key, p.thumb_key,
		       (SELECT MIN(id) FROM posts WHERE thread_id = p.thread_id) = p.id AS is_op
		FROM posts p WHERE p.id = ?`, postID).Scan(&boardID, &threadID, &ip, &mediaKey, &thumbKey, &isOp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("post %d: %w", postID, ErrPostNotFound)
		}
		return nil, err
	}

	var events []notify.Event
	action := models.ActionDeletePost
	if isOp {
		action = models.ActionDeleteThread
		rows, err := tx.Query("SELECT media_key, thumb_key FROM posts WHERE thread_id = ? AND media_key != ''", threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to collect thread media keys: %w", err)
		}
		for rows.Next() {
			var mk, tk string
			if err := rows.Scan(&mk, &tk); err != nil {
				rows.Close()
				return nil, err
			}
			mediaKeys = append(mediaKeys, mk)
			if tk != "" {
				mediaKeys = append(mediaKeys, tk)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if _, err := tx.Exec("DELETE FROM threads WHERE id = ?", threadID); err != nil {
			return nil, fmt.Errorf("failed to delete thread: %w", err)
		}
		events = append(events, notify.Event{Type: notify.ThreadDeleted, BoardID: boardID, ThreadID: threadID})
	} else {
		if mediaKey != "" {
			mediaKeys = append(mediaKeys, mediaKey)
			if thumbKey != "" {
				mediaKeys = append(mediaKeys, thumbKey)
			}
		}
		if _, err := tx.Exec("DELETE FROM posts WHERE id = ?", postID); err != nil {
			return nil, fmt.Errorf("failed to delete post: %w", err)
		}
		if _, err := tx.Exec("UPDATE threads SET reply_count = reply_count - 1 WHERE id = ?", threadID); err != nil {
			return nil, fmt.Errorf("failed to update reply count: %w", err)
		}
		events = append(events, notify.Event{Type: notify.PostDeleted, BoardID: boardID, ThreadID: threadID, PostID: postID})
	}

	if err := AppendAudit(tx, models.AuditEntry{
		Admin:    nullableAdmin(admin),
		Action:   action,
		IP:       ip,
		BoardID:  sql.NullString{String: boardID, Valid: true},
		ThreadID: sql.NullInt64{Int64: threadID, Valid: true},
		PostID:   sql.NullInt64{Int64: postID, Valid: true},
		Reason:   reason,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit post deletion: %w", err)
	}
	ds.publish(events)
	return mediaKeys, nil
}

type CreateBanRequest struct {
	IP        string
	BoardID   string // empty = global
	Reason    string
	ExpiresAt sql.NullTime
	PostID    int64 // offending post to snapshot, 0 = none
	Admin     string
}

// CreateBan inserts a ban, snapshotting the offending post's content and
// media key so the evidence survives the post's deletion. The snapshot key
// keeps the blob referenced for the reconciler.
func (ds *DatabaseService) CreateBan(ctx context.Context, req CreateBanRequest) (int64, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer ds.rollback(tx, "CreateBan")

	var postContent, postMediaKey string
	if req.PostID != 0 {
		err := tx.QueryRow("SELECT content, media_key FROM posts WHERE id = ?", req.PostID).
			Scan(&postContent, &postMediaKey)
		if err != nil && err != sql.ErrNoRows {
			return 0, err
		}
	}

	boardID := sql.NullString{String: req.BoardID, Valid: req.BoardID != ""}
	res, err := tx.Exec(`
		INSERT INTO bans (ip, board_id, reason, created_at, expires_at, active, post_content, post_media_key)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		req.IP, boardID, req.Reason, utils.GetSQLTime(), req.ExpiresAt, postContent, postMediaKey)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ban: %w", err)
	}
	banID, _ := res.LastInsertId()

	detail, _ := json.Marshal(map[string]any{"expires": req.ExpiresAt.Time, "permanent": !req.ExpiresAt.Valid})
	if err := AppendAudit(tx, models.AuditEntry{
		Admin:   nullableAdmin(req.Admin),
		Action:  models.ActionBan,
		IP:      req.IP,
		BoardID: boardID,
		PostID:  sql.NullInt64{Int64: req.PostID, Valid: req.PostID != 0},
		BanID:   sql.NullInt64{Int64: banID, Valid: true},
		Reason:  req.Reason,
		Detail:  string(detail),
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ban: %w", err)
	}
	return banID, nil
}

// LiftBan deactivates a ban without deleting it; the record and its
// snapshots remain for the audit trail.
func (ds *DatabaseService) LiftBan(ctx context.Context, banID int64, admin, reason string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "LiftBan")

	var ip string
	if err := tx.QueryRow("SELECT ip FROM bans WHERE id = ?", banID).Scan(&ip); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("ban %d: %w", banID, ErrBanNotFound)
		}
		return err
	}
	if _, err := tx.Exec("UPDATE bans SET active = 0 WHERE id = ?", banID); err != nil {
		return fmt.Errorf("failed to lift ban: %w", err)
	}
	if err := AppendAudit(tx, models.AuditEntry{
		Admin:  nullableAdmin(admin),
		Action: models.ActionUnban,
		IP:     ip,
		BanID:  sql.NullInt64{Int64: banID, Valid: true},
		Reason: reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetBan fetches one ban record.
func (ds *DatabaseService) GetBan(ctx context.Context, banID int64) (*models.Ban, error) {
	var b models.Ban
	err := ds.DB.QueryRowContext(ctx, `
		SELECT id, ip, board_id, reason, created_at, expires_at, active,
		       appeal, appeal_status, post_content, post_media_key
		FROM bans WHERE id = ?`, banID).Scan(
		&b.ID, &b.IP, &b.BoardID, &b.Reason, &b.CreatedAt, &b.ExpiresAt, &b.Active,
		&b.Appeal, &b.AppealStatus, &b.PostContent, &b.PostMediaKey,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ban %d: %w", banID, ErrBanNotFound)
		}
		return nil, err
	}
	return &b, nil
}

// ActiveBanFor returns the most recent active unexpired ban covering an IP
// on a board, global bans included.
func (ds *DatabaseService) ActiveBanFor(ctx context.Context, ip, boardID string) (*models.Ban, bool, error) {
	var b models.Ban
	err := ds.DB.QueryRowContext(ctx, `
		SELECT id, ip, board_id, reason, created_at, expires_at, active, appeal, appeal_status
		FROM bans
		WHERE ip = ? AND active = 1
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND (board_id IS NULL OR board_id = ?)
		ORDER BY created_at DESC LIMIT 1`,
		ip, utils.GetSQLTime(), boardID).Scan(
		&b.ID, &b.IP, &b.BoardID, &b.Reason, &b.CreatedAt, &b.ExpiresAt, &b.Active,
		&b.Appeal, &b.AppealStatus,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

// SubmitAppeal records a banned user's appeal text. One appeal per ban.
func (ds *DatabaseService) SubmitAppeal(ctx context.Context, banID int64, text string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "SubmitAppeal")

	var ip, status string
	if err := tx.QueryRow("SELECT ip, appeal_status FROM bans WHERE id = ?", banID).Scan(&ip, &status); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("ban %d: %w", banID, ErrBanNotFound)
		}
		return err
	}
	if status != models.AppealNone {
		return fmt.Errorf("ban %d already has an appeal on record", banID)
	}
	if _, err := tx.Exec("UPDATE bans SET appeal = ?, appeal_status = ? WHERE id = ?",
		text, models.AppealPending, banID); err != nil {
		return fmt.Errorf("failed to record appeal: %w", err)
	}
	if err := AppendAudit(tx, models.AuditEntry{
		Action: models.ActionAppeal,
		IP:     ip,
		BanID:  sql.NullInt64{Int64: banID, Valid: true},
		Reason: text,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RuleAppeal decides a pending appeal. Accepting also lifts the ban.
func (ds *DatabaseService) RuleAppeal(ctx context.Context, banID int64, accept bool, admin, reason string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "RuleAppeal")

	var ip, status string
	if err := tx.QueryRow("SELECT ip, appeal_status FROM bans WHERE id = ?", banID).Scan(&ip, &status); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("ban %d: %w", banID, ErrBanNotFound)
		}
		return err
	}
	if status != models.AppealPending {
		return fmt.Errorf("ban %d has no pending appeal", banID)
	}

	newStatus := models.AppealDenied
	if accept {
		newStatus = models.AppealAccepted
	}
	if _, err := tx.Exec("UPDATE bans SET appeal_status = ?, active = CASE WHEN ? THEN 0 ELSE active END WHERE id = ?",
		newStatus, accept, banID); err != nil {
		return fmt.Errorf("failed to rule on appeal: %w", err)
	}
	if err := AppendAudit(tx, models.AuditEntry{
		Admin:  nullableAdmin(admin),
		Action: models.ActionAppealRuling,
		IP:     ip,
		BanID:  sql.NullInt64{Int64: banID, Valid: true},
		Reason: reason,
		Detail: fmt.Sprintf(`{"accepted":%t}`, accept),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPostColor changes a post's display color tag.
func (ds *DatabaseService) SetPostColor(ctx context.Context, postID int64, color, admin string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "SetPostColor")

	var ip, boardID string
	var threadID int64
	if err := tx.QueryRow("SELECT ip, board_id, thread_id FROM posts WHERE id = ?", postID).
		Scan(&ip, &boardID, &threadID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("post %d: %w", postID, ErrPostNotFound)
		}
		return err
	}
	if _, err := tx.Exec("UPDATE posts SET color = ? WHERE id = ?", color, postID); err != nil {
		return fmt.Errorf("failed to set post color: %w", err)
	}
	if err := AppendAudit(tx, models.AuditEntry{
		Admin:    nullableAdmin(admin),
		Action:   models.ActionColorChange,
		IP:       ip,
		BoardID:  sql.NullString{String: boardID, Valid: true},
		ThreadID: sql.NullInt64{Int64: threadID, Valid: true},
		PostID:   sql.NullInt64{Int64: postID, Valid: true},
		Detail:   fmt.Sprintf(`{"color":%q}`, color),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// EditPost replaces a post's content, keeping the original in the audit
// detail blob.
func (ds *DatabaseService) EditPost(ctx context.Context, postID int64, content, admin, reason string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "EditPost")

	var ip, boardID, oldContent string
	var threadID int64
	if err := tx.QueryRow("SELECT ip, board_id, thread_id, content FROM posts WHERE id = ?", postID).
		Scan(&ip, &boardID, &threadID, &oldContent); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("post %d: %w", postID, ErrPostNotFound)
		}
		return err
	}
	if _, err := tx.Exec("UPDATE posts SET content = ? WHERE id = ?", content, postID); err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	detail, _ := json.Marshal(map[string]string{"previous": oldContent})
	if err := AppendAudit(tx, models.AuditEntry{
		Admin:    nullableAdmin(admin),
		Action:   models.ActionEditPost,
		IP:       ip,
		BoardID:  sql.NullString{String: boardID, Valid: true},
		ThreadID: sql.NullInt64{Int64: threadID, Valid: true},
		PostID:   sql.NullInt64{Int64: postID, Valid: true},
		Reason:   reason,
		Detail:   string(detail),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
