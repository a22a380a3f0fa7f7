package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ResponseCache stores raw vision service responses by request key.
type ResponseCache interface {
	// GetResponse returns the cached text and whether it was found.
	GetResponse(ctx context.Context, key string) (string, bool, error)
	SetResponse(ctx context.Context, key, text string) error
	Close() error
}

// SQLiteStore implements ResponseCache using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	mu  sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-based response cache at dbPath.
// Entries older than ttl are treated as missing; ttl <= 0 disables expiry.
func NewSQLiteStore(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	// Configure SQLite with WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db, ttl: ttl}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("dbPath", dbPath).Msg("failed to restrict cache file permissions")
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS response_cache (
		request_key TEXT PRIMARY KEY,
		response_text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create response_cache table: %w", err)
	}
	return nil
}

// GetResponse retrieves a cached response by request key.
func (s *SQLiteStore) GetResponse(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var text string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT response_text, created_at FROM response_cache WHERE request_key = ?",
		key,
	).Scan(&text, &createdAt)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query response cache: %w", err)
	}

	if s.ttl > 0 && time.Since(createdAt) > s.ttl {
		return "", false, nil
	}

	return text, true, nil
}

// SetResponse stores or replaces a cached response.
func (s *SQLiteStore) SetResponse(ctx context.Context, key, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO response_cache (request_key, response_text, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(request_key) DO UPDATE SET
			response_text = excluded.response_text,
			created_at = excluded.created_at
	`, key, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save response: %w", err)
	}
	return nil
}

// Prune deletes entries older than the store's ttl and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM response_cache WHERE created_at < ?",
		time.Now().UTC().Add(-s.ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune response cache: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
