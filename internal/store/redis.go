package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ims/calc-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for reference data and positions. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. Methods not overridden here pass straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertSecurity(ctx context.Context, sec *model.Security) error {
	if err := s.Store.UpsertSecurity(ctx, sec); err != nil {
		return err
	}
	s.rdb.Del(ctx, securityKey(sec.ID))
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.Store.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.Key()), securityPositionsKey(p.SecurityID, p.BusinessDate))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSecurity(ctx context.Context, id string) (*model.Security, error) {
	var sec model.Security
	if s.get(ctx, securityKey(id), &sec) {
		return &sec, nil
	}

	got, err := s.Store.GetSecurity(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, securityKey(id), got)
	return got, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var p model.Position
	if s.get(ctx, positionKey(key), &p) {
		return &p, nil
	}

	got, err := s.Store.GetPosition(ctx, key)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionKey(key), got)
	return got, nil
}

func (s *CachedStore) ListSecurityPositions(ctx context.Context, securityID, businessDate string) ([]model.Position, error) {
	var ps []model.Position
	if s.get(ctx, securityPositionsKey(securityID, businessDate), &ps) {
		return ps, nil
	}

	got, err := s.Store.ListSecurityPositions(ctx, securityID, businessDate)
	if err != nil {
		return nil, err
	}
	s.set(ctx, securityPositionsKey(securityID, businessDate), got)
	return got, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func securityKey(id string) string { return fmt.Sprintf("security:%s", id) }
func positionKey(k model.PositionKey) string {
	return fmt.Sprintf("position:%s:%s:%s", k.BookID, k.SecurityID, k.BusinessDate)
}
func securityPositionsKey(securityID, date string) string {
	return fmt.Sprintf("positions:%s:%s", securityID, date)
}
