// Package store defines the archive of concluded rounds and exit records.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing). The engine never reads its own state
// back from here; the archive exists for post-hoc analysis.
package store

import (
	"context"
	"errors"

	"github.com/atmx/deposit-queue/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when a record is archived twice.
	ErrDuplicateKey = errors.New("store: duplicate key: archive is append-only")
)

// DefaultListLimit bounds list queries that pass a non-positive limit.
const DefaultListLimit = 100

// ExitFilter narrows ListExits. Zero fields match everything.
type ExitFilter struct {
	SessionID   string
	DepositorID string
	Reason      model.ExitReason
	Limit       int
}

// Store is the archive interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Rounds ---

	// SaveRound appends a concluded round. Returns ErrDuplicateKey if the
	// (session, round) pair is already archived.
	SaveRound(ctx context.Context, log model.RoundLog) error

	// GetRound retrieves one round. Returns ErrNotFound if absent.
	GetRound(ctx context.Context, sessionID string, round int) (*model.RoundLog, error)

	// ListRounds returns the most recent rounds, newest first.
	ListRounds(ctx context.Context, limit int) ([]model.RoundLog, error)

	// --- Exits ---

	// SaveExit appends an exit record. Returns ErrDuplicateKey if the
	// position already has one.
	SaveExit(ctx context.Context, rec model.ExitRecord) error

	// ListExits returns matching exits, newest first.
	ListExits(ctx context.Context, f ExitFilter) ([]model.ExitRecord, error)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit*10 {
		return DefaultListLimit
	}
	return limit
}
