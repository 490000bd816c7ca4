package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stablekit/cdp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutPosition(ctx context.Context, position *model.Position) error {
	if err := s.primary.PutPosition(ctx, position); err != nil {
		return err
	}
	// Invalidate rather than cache the write: the next read re-populates,
	// so a failed SET can never leave a stale balance behind.
	s.rdb.Del(ctx, positionKey(position.Account))
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, historyKey(entry.Account))
	if entry.Initiator != entry.Account {
		s.rdb.Del(ctx, historyKey(entry.Initiator))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, account string) (*model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionKey(account)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			p.Normalize()
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(account), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account string) ([]model.LedgerEntry, error) {
	data, err := s.rdb.Get(ctx, historyKey(account)).Bytes()
	if err == nil {
		var entries []model.LedgerEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.GetLedgerEntriesByAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, historyKey(account), data, s.ttl)
	}
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

// --- Cache keys ---

func positionKey(account string) string { return fmt.Sprintf("position:%s", account) }
func historyKey(account string) string  { return fmt.Sprintf("history:%s", account) }
