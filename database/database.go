// koban/database/database.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"koban/models"
	"koban/notify"
	"koban/utils"

	_ "github.com/mattn/go-sqlite3"
	"github.com/puzpuzpuz/xsync/v3"
)

// Errors surfaced to the request layer as rejected operations.
var (
	ErrBoardNotFound  = errors.New("board not found")
	ErrThreadNotFound = errors.New("thread not found")
	ErrThreadDead     = errors.New("thread is archived and no longer accepts posts")
	ErrPostNotFound   = errors.New("post not found")
	ErrBanNotFound    = errors.New("ban not found")
	ErrEmptyPost      = errors.New("post must have content or media")
)

// DatabaseService is the central struct for all database operations.
type DatabaseService struct {
	DB         *sql.DB
	logger     *slog.Logger
	bus        *notify.Bus
	boardCache *xsync.MapOf[string, *models.BoardConfig]
	posterIDs  *models.PosterIDCache
}

// InitDB connects to the database, runs migrations, and seeds default data.
func InitDB(dataSourceName string, logger *slog.Logger, bus *notify.Bus) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	// Run the base schema to ensure all tables exist.
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	// Seed database if empty
	var boardCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM boards").Scan(&boardCount); err == nil && boardCount == 0 {
		_, err = db.Exec("INSERT INTO boards (id, name, created) VALUES ('b', 'Random', ?)", utils.GetSQLTime())
		if err != nil {
			return nil, fmt.Errorf("failed to seed boards: %w", err)
		}
	}

	logger.Info("Database initialized and cache ready.")

	return &DatabaseService{
		DB:         db,
		logger:     logger,
		bus:        bus,
		boardCache: xsync.NewMapOf[string, *models.BoardConfig](),
		posterIDs:  models.NewPosterIDCache(24*time.Hour, time.Hour),
	}, nil
}

// Close releases the connection pool and the poster-ID cache.
func (ds *DatabaseService) Close() error {
	ds.posterIDs.Close()
	return ds.DB.Close()
}

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return err
	}

	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	logger.Info("Current database schema version", "version", latestVersion)

	for _, m := range allMigrations {
		if m.Version > latestVersion {
			logger.Info("Applying migration", "version", m.Version)
			tx, err := db.Begin()
			if err != nil {
				return err
			}

			if _, err := tx.Exec(m.Query); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, utils.GetSQLTime()); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration record", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
			}
			logger.Info("Successfully applied migration", "version", m.Version)
		}
	}
	return nil
}

// GetBoard fetches board configuration, using the instance's cache.
func (ds *DatabaseService) GetBoard(boardID string) (*models.BoardConfig, error) {
	if config, ok := ds.boardCache.Load(boardID); ok {
		return config, nil
	}

	var board models.BoardConfig
	err := ds.DB.QueryRow("SELECT id, name, nsfw, poster_ids, geo_flags, max_threads, bump_limit, password, created FROM boards WHERE id = ?", boardID).Scan(
		&board.ID, &board.Name, &board.NSFW, &board.PosterIDs, &board.GeoFlags,
		&board.MaxThreads, &board.BumpLimit, &board.Password, &board.Created,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("board %q: %w", boardID, ErrBoardNotFound)
		}
		return nil, fmt.Errorf("db error getting board %q: %w", boardID, err)
	}

	ds.boardCache.Store(boardID, &board)
	return &board, nil
}

// ListBoards returns every board with its current alive thread count.
func (ds *DatabaseService) ListBoards(ctx context.Context) ([]models.BoardConfig, map[string]int, error) {
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT b.id, b.name, b.nsfw, b.poster_ids, b.geo_flags, b.max_threads, b.bump_limit, b.created,
		       COUNT(t.id)
		FROM boards b
		LEFT JOIN threads t ON t.board_id = b.id AND t.alive = 1
		GROUP BY b.id ORDER BY b.id`)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in ListBoards", "error", err)
		}
	}()

	var boards []models.BoardConfig
	counts := make(map[string]int)
	for rows.Next() {
		var b models.BoardConfig
		var alive int
		if err := rows.Scan(&b.ID, &b.Name, &b.NSFW, &b.PosterIDs, &b.GeoFlags, &b.MaxThreads, &b.BumpLimit, &b.Created, &alive); err != nil {
			ds.logger.Error("Failed to scan board row", "error", err)
			continue
		}
		boards = append(boards, b)
		counts[b.ID] = alive
	}
	return boards, counts, rows.Err()
}

// CreateBoard inserts a new board. Administrative path only.
func (ds *DatabaseService) CreateBoard(ctx context.Context, board *models.BoardConfig) error {
	_, err := ds.DB.ExecContext(ctx, `
		INSERT INTO boards (id, name, nsfw, poster_ids, geo_flags, max_threads, bump_limit, password, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		board.ID, board.Name, board.NSFW, board.PosterIDs, board.GeoFlags,
		board.MaxThreads, board.BumpLimit, board.Password, utils.GetSQLTime())
	if err != nil {
		return fmt.Errorf("failed to insert board: %w", err)
	}
	ds.ClearBoardCache(board.ID)
	return nil
}

// GetThread fetches one thread row without its posts.
func (ds *DatabaseService) GetThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	var t models.Thread
	err := ds.DB.QueryRowContext(ctx, `
		SELECT id, board_id, subject, created, bump, salt, sticky, alive, retired_at, reply_count
		FROM threads WHERE id = ?`, threadID).Scan(
		&t.ID, &t.BoardID, &t.Subject, &t.Created, &t.Bump, &t.Salt,
		&t.Sticky, &t.Alive, &t.RetiredAt, &t.ReplyCount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("thread %d: %w", threadID, ErrThreadNotFound)
		}
		return nil, err
	}
	return &t, nil
}

// IsThreadAlive reports whether a thread exists and still accepts posts,
// along with its current post count. Used by the API layer to gate posting.
func (ds *DatabaseService) IsThreadAlive(ctx context.Context, threadID int64) (alive bool, postCount int, err error) {
	err = ds.DB.QueryRowContext(ctx, "SELECT alive, reply_count + 1 FROM threads WHERE id = ?", threadID).Scan(&alive, &postCount)
	if err == sql.ErrNoRows {
		return false, 0, fmt.Errorf("thread %d: %w", threadID, ErrThreadNotFound)
	}
	return alive, postCount, err
}

// AliveThreadCount returns the number of alive non-sticky threads on a board.
func (ds *DatabaseService) AliveThreadCount(ctx context.Context, boardID string) (int, error) {
	var count int
	err := ds.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM threads WHERE board_id = ? AND alive = 1 AND sticky = 0", boardID).Scan(&count)
	return count, err
}

// GetThreadsForBoard retrieves a page of a board's threads, sticky first,
// then most recently bumped.
func (ds *DatabaseService) GetThreadsForBoard(ctx context.Context, boardID string, alive bool, page, pageSize int) ([]models.Thread, error) {
	offset := (page - 1) * pageSize
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT id, board_id, subject, created, bump, salt, sticky, alive, retired_at, reply_count
		FROM threads WHERE board_id = ? AND alive = ?
		ORDER BY sticky DESC, bump DESC
		LIMIT ? OFFSET ?`, boardID, alive, pageSize, offset)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in GetThreadsForBoard", "error", err)
		}
	}()

	var threads []models.Thread
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.BoardID, &t.Subject, &t.Created, &t.Bump, &t.Salt,
			&t.Sticky, &t.Alive, &t.RetiredAt, &t.ReplyCount); err != nil {
			ds.logger.Error("Failed to scan thread row", "error", err)
			continue
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// GetPostsForThread fetches all posts of a thread in creation order.
func (ds *DatabaseService) GetPostsForThread(ctx context.Context, threadID int64) ([]models.Post, error) {
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT id, board_id, thread_id, content, media_key, thumb_key, media_kind,
		       ip, poster_id, country, color, sage, timestamp
		FROM posts WHERE thread_id = ? ORDER BY id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in GetPostsForThread", "error", err)
		}
	}()

	var posts []models.Post
	for rows.Next() {
		var p models.Post
		if err := rows.Scan(&p.ID, &p.BoardID, &p.ThreadID, &p.Content, &p.MediaKey, &p.ThumbKey,
			&p.MediaKind, &p.IP, &p.PosterID, &p.Country, &p.Color, &p.Sage, &p.Created); err != nil {
			ds.logger.Error("Failed to scan post row", "error", err)
			continue
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// GetPostByID fetches a single post.
func (ds *DatabaseService) GetPostByID(ctx context.Context, postID int64) (*models.Post, error) {
	var p models.Post
	err := ds.DB.QueryRowContext(ctx, `
		SELECT id, board_id, thread_id, content, media_key, thumb_key, media_kind,
		       ip, poster_id, country, color, sage, timestamp
		FROM posts WHERE id = ?`, postID).Scan(
		&p.ID, &p.BoardID, &p.ThreadID, &p.Content, &p.MediaKey, &p.ThumbKey,
		&p.MediaKind, &p.IP, &p.PosterID, &p.Country, &p.Color, &p.Sage, &p.Created,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("post %d: %w", postID, ErrPostNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// --- Cache Management ---

func (ds *DatabaseService) ClearBoardCache(boardID string) {
	ds.boardCache.Delete(boardID)
}

func (ds *DatabaseService) ClearAllBoardCaches() {
	ds.boardCache.Clear()
}

// publish drains a post-commit event outbox. Best-effort: the transaction
// has already committed, so delivery failures are invisible to callers.
func (ds *DatabaseService) publish(events []notify.Event) {
	if ds.bus == nil {
		return
	}
	ds.bus.PublishAll(events)
}

// rollback is the shared deferred-rollback helper for lifecycle transactions.
func (ds *DatabaseService) rollback(tx *sql.Tx, op string) {
	if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
		ds.logger.Error("Failed to rollback transaction", "op", op, "error", rerr)
	}
}
