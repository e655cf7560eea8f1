// koban/database/lifecycle.go
//
// Thread lifecycle: creation under a per-board capacity quota, bump
// arbitration at post time, retirement, and the periodic reap/backstop
// passes. Every state transition happens inside a single transaction; the
// event outbox collected during the transaction is published only after
// commit.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"koban/models"
	"koban/notify"
	"koban/utils"
)

type CreateThreadRequest struct {
	BoardID   string
	Subject   string
	Content   string
	MediaKey  string
	ThumbKey  string
	MediaKind string
	IP        string
	Country   string
	Color     string
	Sticky    bool
}

type CreatePostRequest struct {
	ThreadID  int64
	Content   string
	MediaKey  string
	ThumbKey  string
	MediaKind string
	IP        string
	Country   string
	Color     string
	Sage      bool
}

// CreateThread inserts a new thread and its opening post. If the board is at
// its active-thread quota, the least-recently-bumped alive non-sticky thread
// is retired in the same transaction, so two concurrent creators cannot both
// see free capacity. Any failure rolls the whole operation back; callers may
// retry, this function never does.
func (ds *DatabaseService) CreateThread(ctx context.Context, req CreateThreadRequest) (*models.Thread, error) {
	board, err := ds.GetBoard(req.BoardID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" && req.MediaKey == "" {
		return nil, ErrEmptyPost
	}

	salt, err := utils.NewSecret(8)
	if err != nil {
		return nil, fmt.Errorf("failed to generate thread salt: %w", err)
	}

	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer ds.rollback(tx, "CreateThread")

	var events []notify.Event

	var aliveCount int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM threads WHERE board_id = ? AND alive = 1 AND sticky = 0",
		board.ID).Scan(&aliveCount); err != nil {
		return nil, fmt.Errorf("failed to count alive threads: %w", err)
	}
	if aliveCount >= board.MaxThreads {
		retired, err := retireOldestThreads(tx, board.ID, 1)
		if err != nil {
			return nil, err
		}
		events = append(events, retired...)
	}

	now := utils.GetSQLTime()
	res, err := tx.Exec(`
		INSERT INTO threads (board_id, subject, created, bump, salt, sticky, alive, reply_count)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0)`,
		board.ID, req.Subject, now, now, salt, req.Sticky)
	if err != nil {
		return nil, fmt.Errorf("failed to insert new thread: %w", err)
	}
	threadID, _ := res.LastInsertId()

	posterID := ""
	if board.PosterIDs {
		posterID = ds.posterIDs.Get(req.IP, threadID, func() string {
			return utils.DerivePosterID(req.IP, salt)
		})
	}
	country := ""
	if board.GeoFlags {
		country = req.Country
	}

	res, err = tx.Exec(`
		INSERT INTO posts (board_id, thread_id, content, media_key, thumb_key, media_kind, ip, poster_id, country, color, sage, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		board.ID, threadID, req.Content, req.MediaKey, req.ThumbKey, req.MediaKind,
		req.IP, posterID, country, req.Color, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert opening post: %w", err)
	}
	postID, _ := res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit thread creation: %w", err)
	}

	events = append(events,
		notify.Event{Type: notify.ThreadCreated, BoardID: board.ID, ThreadID: threadID},
		notify.Event{Type: notify.PostCreated, BoardID: board.ID, ThreadID: threadID, PostID: postID},
	)
	ds.publish(events)

	ds.logger.Info("New thread created", "thread_id", threadID, "board_id", board.ID)
	return &models.Thread{
		ID: threadID, BoardID: board.ID, Subject: req.Subject,
		Created: now, Bump: now, Salt: salt, Sticky: req.Sticky, Alive: true,
	}, nil
}

// CreatePost appends a post to an alive thread. The bump decision uses the
// reply count read before this post's increment, inside the same transaction
// as the insert, so concurrent posts cannot both read a stale pre-limit
// count. Posting to a dead thread is an error, not a silent non-bump.
func (ds *DatabaseService) CreatePost(ctx context.Context, req CreatePostRequest) (*models.Post, error) {
	if strings.TrimSpace(req.Content) == "" && req.MediaKey == "" {
		return nil, ErrEmptyPost
	}

	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer ds.rollback(tx, "CreatePost")

	var (
		boardID    string
		salt       string
		alive      bool
		replyCount int
	)
	err = tx.QueryRow("SELECT board_id, salt, alive, reply_count FROM threads WHERE id = ?",
		req.ThreadID).Scan(&boardID, &salt, &alive, &replyCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("thread %d: %w", req.ThreadID, ErrThreadNotFound)
		}
		return nil, err
	}
	if !alive {
		return nil, fmt.Errorf("thread %d: %w", req.ThreadID, ErrThreadDead)
	}

	board, err := ds.GetBoard(boardID)
	if err != nil {
		return nil, err
	}

	posterID := ""
	if board.PosterIDs {
		posterID = ds.posterIDs.Get(req.IP, req.ThreadID, func() string {
			return utils.DerivePosterID(req.IP, salt)
		})
	}
	country := ""
	if board.GeoFlags {
		country = req.Country
	}

	now := utils.GetSQLTime()
	res, err := tx.Exec(`
		INSERT INTO posts (board_id, thread_id, content, media_key, thumb_key, media_kind, ip, poster_id, country, color, sage, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		boardID, req.ThreadID, req.Content, req.MediaKey, req.ThumbKey, req.MediaKind,
		req.IP, posterID, country, req.Color, req.Sage, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert post: %w", err)
	}
	postID, _ := res.LastInsertId()

	// The pre-increment count decides the bump, so the post that reaches the
	// limit is the last one to bump.
	bump := !req.Sage && (board.BumpLimit == 0 || replyCount < board.BumpLimit)
	if bump {
		_, err = tx.Exec("UPDATE threads SET reply_count = reply_count + 1, bump = ? WHERE id = ?", now, req.ThreadID)
	} else {
		_, err = tx.Exec("UPDATE threads SET reply_count = reply_count + 1 WHERE id = ?", req.ThreadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update thread metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit post creation: %w", err)
	}

	ds.publish([]notify.Event{
		{Type: notify.PostCreated, BoardID: boardID, ThreadID: req.ThreadID, PostID: postID},
	})

	return &models.Post{
		ID: postID, BoardID: boardID, ThreadID: req.ThreadID, Content: req.Content,
		MediaKey: req.MediaKey, ThumbKey: req.ThumbKey, MediaKind: req.MediaKind,
		IP: req.IP, PosterID: posterID, Country: country, Color: req.Color,
		Sage: req.Sage, Created: now,
	}, nil
}

// retireOldestThreads marks up to n alive non-sticky threads dead, oldest
// bump first, stamping retired_at and auditing each against the opening
// poster's IP. Returns the thread_retired events to publish after commit.
func retireOldestThreads(tx *sql.Tx, boardID string, n int) ([]notify.Event, error) {
	rows, err := tx.Query(`
		SELECT id FROM threads
		WHERE board_id = ? AND alive = 1 AND sticky = 0
		ORDER BY bump ASC LIMIT ?`, boardID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select eviction candidates: %w", err)
	}
	var victims []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		victims = append(victims, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var events []notify.Event
	now := utils.GetSQLTime()
	for _, threadID := range victims {
		if _, err := tx.Exec("UPDATE threads SET alive = 0, retired_at = ? WHERE id = ? AND alive = 1",
			now, threadID); err != nil {
			return nil, fmt.Errorf("failed to retire thread %d: %w", threadID, err)
		}

		var opIP string
		if err := tx.QueryRow("SELECT ip FROM posts WHERE thread_id = ? ORDER BY id ASC LIMIT 1",
			threadID).Scan(&opIP); err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if err := AppendAudit(tx, models.AuditEntry{
			Action:   models.ActionRetireThread,
			IP:       opIP,
			BoardID:  sql.NullString{String: boardID, Valid: true},
			ThreadID: sql.NullInt64{Int64: threadID, Valid: true},
			Reason:   "capacity eviction",
		}); err != nil {
			return nil, err
		}
		events = append(events, notify.Event{Type: notify.ThreadRetired, BoardID: boardID, ThreadID: threadID})
	}
	return events, nil
}

// RetireThread retires one thread by hand. Unlike capacity eviction it
// applies to sticky threads too; a moderator choosing a thread overrides the
// sticky exemption. Retiring an already-dead thread is an error, dead is
// terminal.
func (ds *DatabaseService) RetireThread(ctx context.Context, threadID int64, admin, reason string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "RetireThread")

	var boardID string
	var alive bool
	err = tx.QueryRow("SELECT board_id, alive FROM threads WHERE id = ?", threadID).Scan(&boardID, &alive)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("thread %d: %w", threadID, ErrThreadNotFound)
		}
		return err
	}
	if !alive {
		return fmt.Errorf("thread %d: %w", threadID, ErrThreadDead)
	}

	if _, err := tx.Exec("UPDATE threads SET alive = 0, retired_at = ? WHERE id = ?",
		utils.GetSQLTime(), threadID); err != nil {
		return fmt.Errorf("failed to retire thread: %w", err)
	}

	var opIP string
	if err := tx.QueryRow("SELECT ip FROM posts WHERE thread_id = ? ORDER BY id ASC LIMIT 1",
		threadID).Scan(&opIP); err != nil && err != sql.ErrNoRows {
		return err
	}
	if err := AppendAudit(tx, models.AuditEntry{
		Admin:    sql.NullString{String: admin, Valid: admin != ""},
		Action:   models.ActionRetireThread,
		IP:       opIP,
		BoardID:  sql.NullString{String: boardID, Valid: true},
		ThreadID: sql.NullInt64{Int64: threadID, Valid: true},
		Reason:   reason,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retirement: %w", err)
	}
	ds.publish([]notify.Event{{Type: notify.ThreadRetired, BoardID: boardID, ThreadID: threadID}})
	ds.logger.Info("Thread retired by moderator", "thread_id", threadID, "admin", admin)
	return nil
}

// EnforceBoardCapacity is the periodic backstop behind CreateThread's
// synchronous enforcement: it retires excess alive non-sticky threads on any
// board that slipped over quota through a race or crash. Idempotent; a
// second consecutive run retires nothing.
func (ds *DatabaseService) EnforceBoardCapacity(ctx context.Context) (int, error) {
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT b.id, b.max_threads, COUNT(t.id)
		FROM boards b
		JOIN threads t ON t.board_id = b.id AND t.alive = 1 AND t.sticky = 0
		GROUP BY b.id
		HAVING COUNT(t.id) > b.max_threads`)
	if err != nil {
		return 0, fmt.Errorf("failed to scan boards for excess capacity: %w", err)
	}

	type overflow struct {
		boardID string
		excess  int
	}
	var overflows []overflow
	for rows.Next() {
		var o overflow
		var max, count int
		if err := rows.Scan(&o.boardID, &max, &count); err != nil {
			rows.Close()
			return 0, err
		}
		o.excess = count - max
		overflows = append(overflows, o)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	totalRetired := 0
	for _, o := range overflows {
		events, err := ds.retireExcess(ctx, o.boardID, o.excess)
		if err != nil {
			return totalRetired, err
		}
		totalRetired += len(events)
		ds.publish(events)
	}
	if totalRetired > 0 {
		ds.logger.Info("Capacity backstop retired threads", "count", totalRetired)
	}
	return totalRetired, nil
}

// retireExcess retires n threads on one board within a single transaction.
func (ds *DatabaseService) retireExcess(ctx context.Context, boardID string, n int) ([]notify.Event, error) {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer ds.rollback(tx, "retireExcess")

	events, err := retireOldestThreads(tx, boardID, n)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit backstop retirement: %w", err)
	}
	return events, nil
}

// ReapDeadThreads permanently destroys threads whose retirement age exceeds
// the retention window. Rows go first, in one transaction (posts cascade via
// foreign keys); the media keys collected from their posts are returned for
// asynchronous best-effort blob deletion after commit — metadata deletion
// never blocks on blob-store availability.
func (ds *DatabaseService) ReapDeadThreads(ctx context.Context, retention time.Duration) (reaped int, mediaKeys []string, err error) {
	cutoff := utils.GetSQLTime().Add(-retention)

	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer ds.rollback(tx, "ReapDeadThreads")

	rows, err := tx.Query("SELECT id, board_id FROM threads WHERE alive = 0 AND retired_at < ?", cutoff)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to select expired threads: %w", err)
	}
	type victim struct {
		id      int64
		boardID string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.boardID); err != nil {
			rows.Close()
			return 0, nil, err
		}
		victims = append(victims, v)
	}
	if err := rows.Close(); err != nil {
		return 0, nil, err
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	if len(victims) == 0 {
		return 0, nil, tx.Commit()
	}

	ids := make([]interface{}, len(victims))
	for i, v := range victims {
		ids[i] = v.id
	}
	placeholders := "?" + strings.Repeat(",?", len(ids)-1)

	keyRows, err := tx.Query(`
		SELECT media_key, thumb_key FROM posts
		WHERE thread_id IN (`+placeholders+`) AND media_key != ''`, ids...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to collect media keys: %w", err)
	}
	for keyRows.Next() {
		var mediaKey, thumbKey string
		if err := keyRows.Scan(&mediaKey, &thumbKey); err != nil {
			keyRows.Close()
			return 0, nil, err
		}
		mediaKeys = append(mediaKeys, mediaKey)
		if thumbKey != "" {
			mediaKeys = append(mediaKeys, thumbKey)
		}
	}
	if err := keyRows.Close(); err != nil {
		return 0, nil, err
	}
	if err := keyRows.Err(); err != nil {
		return 0, nil, err
	}

	if _, err := tx.Exec("DELETE FROM threads WHERE id IN ("+placeholders+")", ids...); err != nil {
		return 0, nil, fmt.Errorf("failed to delete expired threads: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit reap: %w", err)
	}

	events := make([]notify.Event, 0, len(victims))
	for _, v := range victims {
		events = append(events, notify.Event{Type: notify.ThreadDeleted, BoardID: v.boardID, ThreadID: v.id})
	}
	ds.publish(events)

	ds.logger.Info("Reaped expired dead threads", "count", len(victims), "media_keys", len(mediaKeys))
	return len(victims), mediaKeys, nil
}

// ReferencedMediaKeys returns every object key referenced by a live row:
// post media and thumbnails, plus ban-archived media snapshots, which keep a
// blob referenced even after its originating post is gone.
func (ds *DatabaseService) ReferencedMediaKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT media_key FROM posts WHERE media_key != ''
		UNION
		SELECT thumb_key FROM posts WHERE thumb_key != ''
		UNION
		SELECT post_media_key FROM bans WHERE post_media_key != ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query referenced media keys: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ReferencedMediaKeys", "error", err)
		}
	}()

	referenced := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		referenced[key] = struct{}{}
	}
	return referenced, rows.Err()
}
