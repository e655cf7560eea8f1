// koban/models/models.go
package models

import (
	"database/sql"
	"time"
)

// --- Core Data Models ---

type BoardConfig struct {
	ID         string
	Name       string
	NSFW       bool
	PosterIDs  bool
	GeoFlags   bool
	MaxThreads int
	BumpLimit  int
	Password   string
	Created    time.Time
}

type Thread struct {
	ID        int64
	BoardID   string
	Subject   string
	Created   time.Time
	Bump      time.Time
	Salt      string
	Sticky    bool
	Alive     bool
	RetiredAt sql.NullTime
	// ReplyCount counts reply posts; the opening post is not included.
	ReplyCount int
	Posts      []Post
}

// MediaKind values for Post.MediaKind.
const (
	MediaImage = "image"
	MediaVideo = "video"
	MediaAudio = "audio"
)

type Post struct {
	ID        int64
	BoardID   string
	ThreadID  int64
	Content   string
	MediaKey  string
	ThumbKey  string
	MediaKind string
	IP        string
	PosterID  string
	Country   string
	Color     string
	Sage      bool
	Created   time.Time
}

// --- Moderation & System Models ---

// AppealStatus values for Ban.AppealStatus.
const (
	AppealNone     = ""
	AppealPending  = "pending"
	AppealAccepted = "accepted"
	AppealDenied   = "denied"
)

type Ban struct {
	ID           int64
	IP           string
	BoardID      sql.NullString // null = global
	Reason       string
	CreatedAt    time.Time
	ExpiresAt    sql.NullTime
	Active       bool
	Appeal       string
	AppealStatus string
	// Denormalized snapshots of the offending post, retained for audit
	// even after the post itself is deleted.
	PostContent  string
	PostMediaKey string
}

// Audit action kinds.
const (
	ActionDeletePost   = "delete_post"
	ActionDeleteThread = "delete_thread"
	ActionRetireThread = "retire_thread"
	ActionBan          = "ban"
	ActionUnban        = "unban"
	ActionEditPost     = "edit_post"
	ActionColorChange  = "color_change"
	ActionAppeal       = "appeal"
	ActionAppealRuling = "appeal_ruling"
)

// AuditEntry is an immutable record of a lifecycle-affecting action.
// Admin is null for system-initiated actions such as capacity retirement.
type AuditEntry struct {
	ID        int64
	CreatedAt time.Time
	Admin     sql.NullString
	Action    string
	IP        string
	BoardID   sql.NullString
	ThreadID  sql.NullInt64
	PostID    sql.NullInt64
	BanID     sql.NullInt64
	Reason    string
	Detail    string // JSON blob
}
