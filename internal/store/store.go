// Package store provides SQLite-backed persistence for komuzik.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kotazzz/komuzik/internal/models"
	_ "modernc.org/sqlite"
)

// Store provides access to the komuzik SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		downloads_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		source_url TEXT NOT NULL,
		platform TEXT,
		kind TEXT NOT NULL,
		quality TEXT,
		success INTEGER NOT NULL,
		title TEXT,
		artifact_path TEXT,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		fail_code TEXT,
		fail_reason TEXT,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS searches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		query TEXT NOT NULL,
		results INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_request_id ON downloads(request_id);
	CREATE INDEX IF NOT EXISTS idx_downloads_user_id ON downloads(user_id);
	CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
	CREATE INDEX IF NOT EXISTS idx_searches_user_id ON searches(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// TrackUser upserts a user row, refreshing last_seen.
func (s *Store) TrackUser(userID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO users (user_id, first_seen, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`,
		userID, now, now,
	)
	if err != nil {
		return fmt.Errorf("track user: %w", err)
	}
	return nil
}

// RecordResult persists a finished download and bumps the user's
// success counter in a single transaction.
func (s *Store) RecordResult(rec *models.DownloadRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO downloads (id, request_id, user_id, source_url, platform, kind, quality, success, title, artifact_path, size_bytes, fail_code, fail_reason, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.UserID, rec.SourceURL, nullIfEmpty(rec.Platform), rec.Kind,
		nullIfEmpty(rec.Quality), rec.Success, nullIfEmpty(rec.Title), nullIfEmpty(rec.ArtifactPath),
		rec.SizeBytes, nullIfEmpty(rec.FailCode), nullIfEmpty(rec.FailReason),
		rec.DurationMS, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert download: %w", err)
	}

	if rec.Success {
		_, err = tx.Exec(
			`UPDATE users SET downloads_count = downloads_count + 1 WHERE user_id = ?`,
			rec.UserID,
		)
		if err != nil {
			return fmt.Errorf("bump user counter: %w", err)
		}
	}

	return tx.Commit()
}

// GetByRequestID retrieves a download record by its request id.
// Returns nil without error when no record exists.
func (s *Store) GetByRequestID(requestID string) (*models.DownloadRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, request_id, user_id, source_url, platform, kind, quality, success, title, artifact_path, size_bytes, fail_code, fail_reason, duration_ms, created_at
		 FROM downloads WHERE request_id = ?`,
		requestID,
	)
	rec, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query download: %w", err)
	}
	return rec, nil
}

// ListRecent returns the latest downloads, newest first.
func (s *Store) ListRecent(limit int) ([]models.DownloadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, request_id, user_id, source_url, platform, kind, quality, success, title, artifact_path, size_bytes, fail_code, fail_reason, duration_ms, created_at
		 FROM downloads ORDER BY created_at DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()
	return collectDownloads(rows)
}

// ListByUser returns a user's latest downloads, newest first.
func (s *Store) ListByUser(userID string, limit int) ([]models.DownloadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, request_id, user_id, source_url, platform, kind, quality, success, title, artifact_path, size_bytes, fail_code, fail_reason, duration_ms, created_at
		 FROM downloads WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()
	return collectDownloads(rows)
}

// RecordSearch persists a search query and its result count.
func (s *Store) RecordSearch(userID, query string, results int) error {
	_, err := s.db.Exec(
		`INSERT INTO searches (user_id, query, results, created_at) VALUES (?, ?, ?, ?)`,
		userID, query, results, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record search: %w", err)
	}
	return nil
}

// Summary aggregates download history.
type Summary struct {
	TotalDownloads int            `json:"total_downloads"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	TotalUsers     int            `json:"total_users"`
	Searches       int            `json:"searches"`
	ByPlatform     map[string]int `json:"by_platform"`
}

// Summarize computes download statistics. A zero since value covers all
// history; otherwise only downloads and searches recorded at or after
// since are counted. The user total is always all-time.
func (s *Store) Summarize(since time.Time) (*Summary, error) {
	sum := &Summary{ByPlatform: make(map[string]int)}

	filter := ""
	var args []interface{}
	if !since.IsZero() {
		filter = " WHERE created_at >= ?"
		args = append(args, since.UTC())
	}

	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0)
		 FROM downloads`+filter,
		args...,
	).Scan(&sum.TotalDownloads, &sum.Succeeded, &sum.Failed)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&sum.TotalUsers); err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}

	err = s.db.QueryRow(`SELECT COUNT(*) FROM searches`+filter, args...).Scan(&sum.Searches)
	if err != nil {
		return nil, fmt.Errorf("query searches: %w", err)
	}

	platformFilter := ""
	if !since.IsZero() {
		platformFilter = " AND created_at >= ?"
	}
	rows, err := s.db.Query(
		`SELECT platform, COUNT(*) FROM downloads
		 WHERE success AND platform IS NOT NULL`+platformFilter+`
		 GROUP BY platform`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query platforms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var platform string
		var n int
		if err := rows.Scan(&platform, &n); err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		sum.ByPlatform[platform] = n
	}
	return sum, rows.Err()
}

// UserStats is a per-user history aggregate.
type UserStats struct {
	UserID         string    `json:"user_id"`
	DownloadsCount int       `json:"downloads_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// GetUserStats retrieves a user's aggregate. Returns nil when unknown.
func (s *Store) GetUserStats(userID string) (*UserStats, error) {
	u := &UserStats{}
	err := s.db.QueryRow(
		`SELECT user_id, downloads_count, first_seen, last_seen FROM users WHERE user_id = ?`,
		userID,
	).Scan(&u.UserID, &u.DownloadsCount, &u.FirstSeen, &u.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDownload(row rowScanner) (*models.DownloadRecord, error) {
	rec := &models.DownloadRecord{}
	var platform, quality, title, artifactPath, failCode, failReason sql.NullString

	err := row.Scan(&rec.ID, &rec.RequestID, &rec.UserID, &rec.SourceURL, &platform, &rec.Kind,
		&quality, &rec.Success, &title, &artifactPath, &rec.SizeBytes, &failCode, &failReason,
		&rec.DurationMS, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Platform = platform.String
	rec.Quality = quality.String
	rec.Title = title.String
	rec.ArtifactPath = artifactPath.String
	rec.FailCode = failCode.String
	rec.FailReason = failReason.String
	return rec, nil
}

func collectDownloads(rows *sql.Rows) ([]models.DownloadRecord, error) {
	var records []models.DownloadRecord
	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
