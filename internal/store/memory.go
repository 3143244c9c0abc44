package store

import (
	"context"
	"sync"

	"github.com/atmx/deposit-queue/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	rounds []model.RoundLog   // append order
	exits  []model.ExitRecord // append order
	seen   map[string]bool    // position IDs with an archived exit
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) SaveRound(_ context.Context, log model.RoundLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rounds {
		if r.SessionID == log.SessionID && r.Round == log.Round {
			return ErrDuplicateKey
		}
	}
	s.rounds = append(s.rounds, log)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, sessionID string, round int) (*model.RoundLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rounds {
		if r.SessionID == sessionID && r.Round == round {
			out := r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListRounds(_ context.Context, limit int) ([]model.RoundLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = clampLimit(limit)
	out := make([]model.RoundLog, 0, min(limit, len(s.rounds)))
	for i := len(s.rounds) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.rounds[i])
	}
	return out, nil
}

func (s *MemoryStore) SaveExit(_ context.Context, rec model.ExitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[rec.Position.ID] {
		return ErrDuplicateKey
	}
	s.seen[rec.Position.ID] = true
	s.exits = append(s.exits, rec)
	return nil
}

func (s *MemoryStore) ListExits(_ context.Context, f ExitFilter) ([]model.ExitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := clampLimit(f.Limit)
	var out []model.ExitRecord
	for i := len(s.exits) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.exits[i]
		if f.DepositorID != "" && rec.Position.DepositorID != f.DepositorID {
			continue
		}
		if f.Reason != "" && rec.Reason != f.Reason {
			continue
		}
		if f.SessionID != "" && rec.SessionID != f.SessionID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
