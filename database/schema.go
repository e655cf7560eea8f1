package database

const schema = `
CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY, name TEXT NOT NULL,
	nsfw BOOLEAN DEFAULT 0, poster_ids BOOLEAN DEFAULT 0, geo_flags BOOLEAN DEFAULT 0,
	max_threads INTEGER DEFAULT 100, bump_limit INTEGER DEFAULT 300,
	password TEXT DEFAULT '',
	created DATETIME
);
CREATE TABLE IF NOT EXISTS threads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	board_id TEXT NOT NULL,
	subject TEXT,
	created DATETIME, bump DATETIME,
	salt TEXT NOT NULL,
	sticky BOOLEAN DEFAULT 0,
	alive BOOLEAN DEFAULT 1,
	retired_at DATETIME,
	reply_count INTEGER DEFAULT 0,
	FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE,
	-- retired_at is set exactly when a thread dies, never otherwise
	CHECK ((alive = 1 AND retired_at IS NULL) OR (alive = 0 AND retired_at IS NOT NULL))
);
CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	board_id TEXT NOT NULL, thread_id INTEGER NOT NULL,
	content TEXT DEFAULT '',
	media_key TEXT DEFAULT '', thumb_key TEXT DEFAULT '', media_kind TEXT DEFAULT '',
	ip TEXT NOT NULL,
	poster_id TEXT DEFAULT '', country TEXT DEFAULT '', color TEXT DEFAULT '',
	sage BOOLEAN DEFAULT 0,
	timestamp DATETIME,
	FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE,
	FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE,
	CHECK (content != '' OR media_key != '')
);
-- Bans outlive the content they were issued for; the offending post's
-- content and media key are snapshotted at ban time.
CREATE TABLE IF NOT EXISTS bans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ip TEXT NOT NULL,
	board_id TEXT,
	reason TEXT DEFAULT '',
	created_at DATETIME, expires_at DATETIME,
	active BOOLEAN DEFAULT 1,
	post_content TEXT DEFAULT '',
	post_media_key TEXT DEFAULT '',
	FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE SET NULL
);
-- Append-only. Deliberately no foreign keys: deleting content must never
-- touch the audit trail.
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at DATETIME NOT NULL,
	admin TEXT,
	action TEXT NOT NULL,
	ip TEXT NOT NULL,
	board_id TEXT, thread_id INTEGER, post_id INTEGER, ban_id INTEGER,
	reason TEXT DEFAULT '',
	detail TEXT DEFAULT '{}'
);

-- --- INDEXES ---
CREATE INDEX IF NOT EXISTS idx_threads_board_lifecycle ON threads(board_id, alive, sticky, bump);
CREATE INDEX IF NOT EXISTS idx_threads_retired_at ON threads(alive, retired_at);
CREATE INDEX IF NOT EXISTS idx_posts_thread ON posts(thread_id);
CREATE INDEX IF NOT EXISTS idx_posts_ip ON posts(ip);
CREATE INDEX IF NOT EXISTS idx_posts_media_key ON posts(media_key);
CREATE INDEX IF NOT EXISTS idx_bans_ip ON bans(ip, active);
CREATE INDEX IF NOT EXISTS idx_audit_ip ON audit_log(ip);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at DESC);
`
