// Package sqlite is the bridge's persistent store. It owns every source,
// relay, video and setting row and enforces the dedup and status rules on
// top of SQLite unique indexes.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

//go:embed schema.sql
var schemaSQL string

// columnMigrations are added to databases created by older releases.
var columnMigrations = []struct{ table, column, typ string }{
	{"sources", "api_base_norm", "TEXT"},
	{"sources", "api_channel_url_norm", "TEXT"},
	{"sources", "rss_url_norm", "TEXT"},
	{"sources", "lookback_days", "INTEGER"},
	{"relays", "latency_ms", "INTEGER"},
	{"videos", "peertube_instance", "TEXT"},
	{"videos", "channel_name", "TEXT"},
	{"videos", "channel_url", "TEXT"},
	{"videos", "account_name", "TEXT"},
	{"videos", "account_url", "TEXT"},
	{"videos", "published_ts", "INTEGER"},
	{"videos", "thumbnail_url", "TEXT"},
}

// Setting keys.
const (
	KeyMinPublishInterval      = "min_publish_interval_seconds"
	KeyMaxPostsPerHour         = "max_posts_per_hour"
	KeyMaxPostsPerDayPerSource = "max_posts_per_day_per_source"
)

var defaultSettings = []struct{ key, value string }{
	{KeyMinPublishInterval, "1200"},
	{KeyMaxPostsPerHour, "3"},
	{KeyMaxPostsPerDayPerSource, "1"},
}

// Store implements the domain repositories on a single SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option customizes Open.
type Option func(*Store)

// WithClock replaces time.Now for every timestamp the store writes or
// compares against.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path, applies pragmas and
// brings the schema up to date. The caller should call Close when done.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, m := range columnMigrations {
		ok, err := s.hasColumn(ctx, m.table, m.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.typ)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
	}
	if err := s.migrateLegacyFeeds(ctx); err != nil {
		return err
	}
	for _, d := range defaultSettings {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings(key, value) VALUES (?, ?)`, d.key, d.value,
		); err != nil {
			return fmt.Errorf("seed setting %s: %w", d.key, err)
		}
	}
	return nil
}

// migrateLegacyFeeds copies rows of the pre-sources "feeds" table into
// feed sources. It runs only while the sources table is still empty.
func (s *Store) migrateLegacyFeeds(ctx context.Context) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'feeds'`,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("look up legacy feeds table: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&n); err != nil {
		return fmt.Errorf("count sources: %w", err)
	}
	if n > 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT feed_url, enabled, created_ts, last_polled_ts, last_error FROM feeds`)
	if err != nil {
		return fmt.Errorf("read legacy feeds: %w", err)
	}
	type legacyFeed struct {
		url        string
		enabled    sql.NullInt64
		created    sql.NullInt64
		lastPolled sql.NullInt64
		lastError  sql.NullString
	}
	var feeds []legacyFeed
	for rows.Next() {
		var f legacyFeed
		if err := rows.Scan(&f.url, &f.enabled, &f.created, &f.lastPolled, &f.lastError); err != nil {
			rows.Close()
			return fmt.Errorf("scan legacy feed: %w", err)
		}
		feeds = append(feeds, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read legacy feeds: %w", err)
	}

	for _, f := range feeds {
		var norm any
		if v, err := urlnorm.Feed(f.url); err == nil {
			norm = v
		}
		enabled := int64(1)
		if f.enabled.Valid {
			enabled = f.enabled.Int64
		}
		created := s.nowTS()
		if f.created.Valid && f.created.Int64 > 0 {
			created = f.created.Int64
		}
		var lastPolled any
		if f.lastPolled.Valid {
			lastPolled = f.lastPolled.Int64
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO sources (enabled, created_ts, rss_url, rss_url_norm, last_polled_ts, last_error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			enabled, created, f.url, norm, lastPolled, nullStr(f.lastError.String),
		); err != nil {
			return fmt.Errorf("migrate legacy feed %s: %w", f.url, err)
		}
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan table_info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) nowTS() int64 {
	return s.now().Unix()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func errText(err error, limit int) any {
	if err == nil {
		return nil
	}
	return domain.Truncate(err.Error(), limit)
}

func truncText(s string, limit int) any {
	if s == "" {
		return nil
	}
	return domain.Truncate(s, limit)
}
