// koban/database/migrations.go
package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Add ban appeals
ALTER TABLE bans ADD COLUMN appeal TEXT DEFAULT '';
ALTER TABLE bans ADD COLUMN appeal_status TEXT DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_bans_appeal_status ON bans(appeal_status);
		`,
	},
}
