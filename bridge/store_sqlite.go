package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteResponseSchema = `
CREATE TABLE IF NOT EXISTS response_cache (
	fingerprint TEXT PRIMARY KEY,
	server TEXT NOT NULL,
	operation TEXT NOT NULL,
	payload BLOB NOT NULL,
	inserted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS response_cache_server ON response_cache(server);`

const (
	defaultSQLiteStoreDir = ".toolbridge"
	defaultSQLiteStoreDB  = "responses.db"
)

// DefaultSQLitePath returns ~/.toolbridge/responses.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("bridge: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteStoreDir, defaultSQLiteStoreDB), nil
}

// SQLiteResponseStore persists cached responses in SQLite so they survive
// restarts. Payload bytes are stored verbatim.
type SQLiteResponseStore struct {
	db *sql.DB
}

// NewSQLiteResponseStore opens (or creates) the store at dsn.
func NewSQLiteResponseStore(dsn string) (*SQLiteResponseStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("bridge: sqlite store dsn is required")
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("bridge: sqlite store create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("bridge: sqlite store open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bridge: sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteResponseSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bridge: sqlite store create schema: %w", err)
	}
	return &SQLiteResponseStore{db: db}, nil
}

// Load returns the stored entry for fp.
func (s *SQLiteResponseStore) Load(ctx context.Context, fp Fingerprint) (CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, false, err
	}
	if s == nil || s.db == nil {
		return CacheEntry{}, false, errors.New("bridge: sqlite store is nil")
	}

	var (
		payload    []byte
		insertedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT payload, inserted_at
FROM response_cache
WHERE fingerprint = ?`, fp.String()).Scan(&payload, &insertedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("bridge: sqlite load response: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, insertedAt)
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("bridge: sqlite parse inserted_at: %w", err)
	}
	return CacheEntry{Fingerprint: fp, Payload: payload, InsertedAt: at}, true, nil
}

// Save upserts entry.
func (s *SQLiteResponseStore) Save(ctx context.Context, entry CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("bridge: sqlite store is nil")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO response_cache (fingerprint, server, operation, payload, inserted_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(fingerprint) DO UPDATE SET
	payload = excluded.payload,
	inserted_at = excluded.inserted_at`,
		entry.Fingerprint.String(),
		entry.Fingerprint.Server,
		entry.Fingerprint.Operation,
		entry.Payload,
		entry.InsertedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("bridge: sqlite save response: %w", err)
	}
	return nil
}

// Clear deletes every stored response for server.
func (s *SQLiteResponseStore) Clear(ctx context.Context, server string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("bridge: sqlite store is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE server = ?`, server); err != nil {
		return fmt.Errorf("bridge: sqlite clear responses: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteResponseStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
