package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const (
	sqlGetEntry = `SELECT value FROM kv_entries WHERE key = ?`

	sqlUpsertEntry = `INSERT INTO kv_entries (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`

	sqlDeleteEntry = `DELETE FROM kv_entries WHERE key = ?`

	// substr() instead of LIKE so that '%' and '_' in a prefix match literally.
	sqlDeletePrefix = `DELETE FROM kv_entries WHERE substr(key, 1, length(?)) = ?`
)

const dbDirPerms = 0o700

// SQLiteStore implements Store on a single-table SQLite database in WAL mode.
// A single connection serialises writers, so a Set is never torn by a
// concurrent Set on the same key.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dbPath and applies
// migrations. The parent directory is created with owner-only permissions.
func OpenSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, dbDirPerms); err != nil {
			return nil, fmt.Errorf("%w: creating database directory: %w", ErrUnavailable, err)
		}
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database %s: %w", ErrUnavailable, dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("key-value store ready", slog.String("db_path", dbPath))

	return &SQLiteStore{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string

	err := s.db.QueryRowContext(ctx, sqlGetEntry, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("%w: reading %q: %w", ErrUnavailable, key, err)
	}

	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, sqlUpsertEntry, key, value, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("%w: writing %q: %w", ErrUnavailable, key, err)
	}

	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteEntry, key); err != nil {
		return fmt.Errorf("%w: removing %q: %w", ErrUnavailable, key, err)
	}

	return nil
}

// RemoveAll deletes every key starting with prefix and returns how many were
// removed.
func (s *SQLiteStore) RemoveAll(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx, sqlDeletePrefix, prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("%w: removing prefix %q: %w", ErrUnavailable, prefix, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: counting removed rows: %w", ErrUnavailable, err)
	}

	if n > 0 {
		s.logger.Debug("removed keys by prefix", slog.String("prefix", prefix), slog.Int64("count", n))
	}

	return int(n), nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
