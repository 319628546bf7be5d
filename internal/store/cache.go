package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheEntry is a persisted derived result (answer, summary, explanation).
// Entries are immutable; expiry makes room for recomputation.
type CacheEntry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// GetCacheEntry returns the entry for key if it exists and has not expired.
// Expired or missing entries return ErrNotFound.
func (s *Store) GetCacheEntry(ctx context.Context, key string, now time.Time) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, created_at, expires_at
		FROM cache_entries WHERE key = ? AND expires_at > ?`, key, now.UTC())

	var e CacheEntry
	err := row.Scan(&e.Key, &e.Value, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cache entry: %w", err)
	}
	return &e, nil
}

// PutCacheEntry stores a derived result, replacing any expired entry under
// the same key.
func (s *Store) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		entry.Key, entry.Value, entry.CreatedAt.UTC(), entry.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting cache entry: %w", err)
	}
	return nil
}

// PurgeExpiredCacheEntries deletes entries that expired before now and
// returns how many were removed.
func (s *Store) PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at <= ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged entries: %w", err)
	}
	return n, nil
}
