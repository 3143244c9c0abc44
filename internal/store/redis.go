package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/deposit-queue/internal/model"
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

var _ Store = (*CachedStore)(nil)

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveRound(ctx context.Context, r model.RoundLog) error {
	if err := s.primary.SaveRound(ctx, r); err != nil {
		return err
	}
	s.cacheRound(ctx, &r)
	// Every cached list is stale now; the generation bump orphans them.
	if err := s.rdb.Incr(ctx, roundsGenKey).Err(); err != nil {
		slog.Warn("redis invalidate rounds failed", "err", err)
	}
	return nil
}

func (s *CachedStore) SaveExit(ctx context.Context, rec model.ExitRecord) error {
	return s.primary.SaveExit(ctx, rec)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRound(ctx context.Context, sessionID string, round int) (*model.RoundLog, error) {
	data, err := s.rdb.Get(ctx, roundKey(sessionID, round)).Bytes()
	if err == nil {
		var r model.RoundLog
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetRound(ctx, sessionID, round)
	if err != nil {
		return nil, err
	}
	s.cacheRound(ctx, r)
	return r, nil
}

func (s *CachedStore) ListRounds(ctx context.Context, limit int) ([]model.RoundLog, error) {
	limit = clampLimit(limit)
	gen, err := s.rdb.Get(ctx, roundsGenKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s.primary.ListRounds(ctx, limit)
	}

	key := roundsKey(gen, limit)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var rounds []model.RoundLog
		if json.Unmarshal(data, &rounds) == nil {
			return rounds, nil
		}
	}

	rounds, err := s.primary.ListRounds(ctx, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rounds); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return rounds, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListExits(ctx context.Context, f ExitFilter) ([]model.ExitRecord, error) {
	return s.primary.ListExits(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRound(ctx context.Context, r *model.RoundLog) {
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, roundKey(r.SessionID, r.Round), data, s.ttl)
	}
}

const roundsGenKey = "rounds:gen"

func roundKey(session string, round int) string { return fmt.Sprintf("round:%s:%d", session, round) }
func roundsKey(gen int64, limit int) string     { return fmt.Sprintf("rounds:%d:%d", gen, limit) }
