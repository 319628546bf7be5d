// Package cache coalesces and persists derived results (answers, summaries,
// explanations).
//
// Concurrent identical requests are merged through singleflight so an
// expensive retrieval+generation pass runs once; completed results persist
// with a TTL and are served until they expire.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/docqd/internal/logging"
	"github.com/fyrsmithlabs/docqd/internal/store"
)

// EntryStore is the persistence the manager needs; *store.Store satisfies it.
type EntryStore interface {
	GetCacheEntry(ctx context.Context, key string, now time.Time) (*store.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *store.CacheEntry) error
}

// Manager serves derived results through a persistent TTL cache with
// request coalescing.
type Manager struct {
	entries EntryStore
	ttl     time.Duration
	group   singleflight.Group
	logger  *logging.Logger
	now     func() time.Time
}

// NewManager creates a Manager. TTL must be positive.
func NewManager(entries EntryStore, ttl time.Duration, logger *logging.Logger) (*Manager, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %v", ttl)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		entries: entries,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Key derives the cache key for an operation on a document. The input is
// normalized (lowercased, whitespace collapsed) before hashing, so trivially
// reworded duplicates of the same question share a key.
func Key(documentID, operation, input string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(input), " "))
	sum := sha256.Sum256([]byte(documentID + "\x00" + operation + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// GetOrCompute returns the cached value for key, or runs compute once (no
// matter how many callers ask concurrently) and persists the result.
// The returned bool reports whether the value came from the cache.
// Compute failures are returned to every coalesced caller and are not
// cached.
func (m *Manager) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	type outcome struct {
		value  []byte
		cached bool
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		now := m.now()

		entry, err := m.entries.GetCacheEntry(ctx, key, now)
		if err == nil {
			return outcome{value: entry.Value, cached: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("reading cache: %w", err)
		}

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		putErr := m.entries.PutCacheEntry(ctx, &store.CacheEntry{
			Key:       key,
			Value:     value,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
		})
		if putErr != nil {
			// The computation succeeded; losing the cache write costs a
			// recomputation later, not correctness.
			m.logger.Warn(ctx, "failed to persist cache entry",
				zap.String("key", key), zap.Error(putErr))
		}

		return outcome{value: value}, nil
	})
	if err != nil {
		return nil, false, err
	}

	o := v.(outcome)
	return o.value, o.cached, nil
}
