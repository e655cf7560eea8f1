// koban/config/config.go
package config

import (
	"fmt"
	"strconv"
	"time"

	"koban/utils"
)

const (
	AppVersion = "0.9.2"

	// Form & Post Limits
	MaxSubjectLen = 100
	MaxContentLen = 8000

	// File Upload Limits
	MaxFileSize     = 15 * 1024 * 1024 // 15MB
	ThumbnailWidth  = 250
	ThumbnailHeight = 250

	// Lifecycle Defaults
	DefaultBumpLimit      = 300
	DefaultMaxThreads     = 100
	DefaultRetentionHours = 48
	DefaultGraceMinutes   = 60
	DefaultJanitorEvery   = "1h"
	DefaultAuditMaxDays   = 365
)

// Config holds all runtime-tunable settings, loaded from the environment.
type Config struct {
	Port          string
	DBPath        string
	AdminPassHash string

	BumpLimit      int
	MaxThreads     int
	Retention      time.Duration
	GraceWindow    time.Duration
	JanitorEvery   time.Duration
	AuditRetention time.Duration

	S3Enabled   bool
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3PublicURL string
	S3UseSSL    bool
	UploadDir   string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          utils.GetEnv("KOBAN_PORT", "8080"),
		DBPath:        utils.GetEnv("KOBAN_DB_PATH", "./koban.db?_journal_mode=WAL&_foreign_keys=on"),
		AdminPassHash: utils.GetEnv("KOBAN_ADMIN_PASS_HASH", ""),
		S3Enabled:     utils.GetEnv("KOBAN_S3_ENABLED", "false") == "true",
		S3Endpoint:    utils.GetEnv("KOBAN_S3_ENDPOINT", ""),
		S3AccessKey:   utils.GetEnv("KOBAN_S3_ACCESS_KEY", ""),
		S3SecretKey:   utils.GetEnv("KOBAN_S3_SECRET_KEY", ""),
		S3Bucket:      utils.GetEnv("KOBAN_S3_BUCKET", ""),
		S3Region:      utils.GetEnv("KOBAN_S3_REGION", "us-east-1"),
		S3PublicURL:   utils.GetEnv("KOBAN_S3_PUBLIC_URL", ""),
		S3UseSSL:      utils.GetEnv("KOBAN_S3_USE_SSL", "true") == "true",
		UploadDir:     utils.GetEnv("KOBAN_UPLOAD_DIR", "./uploads"),
	}

	var err error
	if cfg.BumpLimit, err = intEnv("KOBAN_BUMP_LIMIT", DefaultBumpLimit); err != nil {
		return nil, err
	}
	if cfg.BumpLimit < 0 {
		return nil, fmt.Errorf("KOBAN_BUMP_LIMIT must be >= 0 (0 = unlimited)")
	}
	if cfg.MaxThreads, err = intEnv("KOBAN_MAX_THREADS", DefaultMaxThreads); err != nil {
		return nil, err
	}
	if cfg.MaxThreads < 1 {
		return nil, fmt.Errorf("KOBAN_MAX_THREADS must be >= 1")
	}

	retentionHours, err := intEnv("KOBAN_RETENTION_HOURS", DefaultRetentionHours)
	if err != nil {
		return nil, err
	}
	cfg.Retention = time.Duration(retentionHours) * time.Hour

	graceMinutes, err := intEnv("KOBAN_GRACE_MINUTES", DefaultGraceMinutes)
	if err != nil {
		return nil, err
	}
	if graceMinutes < 0 {
		return nil, fmt.Errorf("KOBAN_GRACE_MINUTES must be >= 0")
	}
	cfg.GraceWindow = time.Duration(graceMinutes) * time.Minute

	cfg.JanitorEvery, err = time.ParseDuration(utils.GetEnv("KOBAN_JANITOR_INTERVAL", DefaultJanitorEvery))
	if err != nil {
		return nil, fmt.Errorf("invalid KOBAN_JANITOR_INTERVAL: %w", err)
	}

	auditDays, err := intEnv("KOBAN_AUDIT_MAX_DAYS", DefaultAuditMaxDays)
	if err != nil {
		return nil, err
	}
	cfg.AuditRetention = time.Duration(auditDays) * 24 * time.Hour

	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := utils.GetEnv(key, strconv.Itoa(fallback))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", key, raw)
	}
	return v, nil
}
