package engine

import (
	"time"

	"github.com/atmx/deposit-queue/internal/metrics"
	"github.com/atmx/deposit-queue/internal/model"
	"github.com/atmx/deposit-queue/internal/policy"
)

// SnapshotQueueLimit bounds the slice of the queue copied into a snapshot.
const SnapshotQueueLimit = 100

// publish projects the current state into an immutable snapshot and swaps
// it in atomically.
func (e *Engine) publish(cfg policy.Config, now time.Time) {
	liability := e.ledger.Liability()
	health := e.health(cfg)

	s := &model.Snapshot{
		Tick:              e.tick,
		Round:             e.rounds.Round(),
		RoundState:        string(e.rounds.State()),
		RoundExpiry:       e.rounds.Expiry(),
		RoundTransactions: e.rounds.Transactions(),
		LastDepositor:     e.rounds.LastDepositor(),
		TotalDeposited:    e.totalDeposited,
		ProtocolReserve:   e.reserve,
		JackpotReserve:    e.jackpot,
		PendingReinvest:   e.pendingTotal,
		PaidOut:           e.paidOut,
		ExitCredits:       e.exitCredits,
		ActiveCollected:   e.ledger.Collected(),
		Liability:         liability,
		HealthFactor:      health,
		QueueLength:       e.ledger.Len(),
		CurrentMultiplier: e.lastMultiplier,
		Strategy:          cfg.Strategy,
		PolicyVersion:     cfg.Version,
		RetiredCount:      e.retiredCount,
		RetiredValue:      e.retiredValue,
		Queue:             e.ledger.Head(SnapshotQueueLimit),
		RecentExits:       e.ledger.History(),
		Rounds:            e.rounds.Logs(),
		TakenAt:           now,
	}
	e.snap.Store(s)

	metrics.ProtocolReserve.Set(e.reserve.InexactFloat64())
	metrics.JackpotReserve.Set(e.jackpot.InexactFloat64())
	metrics.Liability.Set(liability.InexactFloat64())
	metrics.HealthFactor.Set(health.InexactFloat64())
	metrics.QueueLength.Set(float64(e.ledger.Len()))
}
