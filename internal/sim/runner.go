// Package sim drives the engine with synthetic traffic. A Runner owns the
// two timers of a live session: the traffic ticker, which also polls round
// expiry, and the snapshot ticker that feeds WebSocket clients.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/engine"
	"github.com/atmx/deposit-queue/internal/model"
	"github.com/atmx/deposit-queue/internal/round"
)

// Broadcaster receives periodic snapshots.
type Broadcaster interface {
	BroadcastSnapshot(model.Snapshot)
}

// Config controls synthetic traffic. Zero values fall back to defaults,
// except Traffic: zero means poll only.
type Config struct {
	Seed                int64
	Tick                time.Duration // traffic and expiry-poll cadence
	BroadcastEvery      time.Duration // snapshot push cadence
	Traffic             int           // deposits attempted per tick
	Depositors          int           // size of the synthetic population
	MinAmount           decimal.Decimal
	MaxAmount           decimal.Decimal
	ClientShare         float64 // fraction of deposits tagged CLIENT
	WithdrawProbability float64 // chance per tick of one emergency withdraw
	AutoRestart         bool
	RestartDelay        time.Duration
	Clock               func() time.Time
}

// DefaultConfig is one deposit per second from fifty depositors.
func DefaultConfig() Config {
	return Config{
		Seed:                1,
		Tick:                time.Second,
		BroadcastEvery:      200 * time.Millisecond,
		Traffic:             1,
		Depositors:          50,
		MinAmount:           decimal.NewFromInt(10),
		MaxAmount:           decimal.NewFromInt(1000),
		ClientShare:         0.1,
		WithdrawProbability: 0.02,
		AutoRestart:         true,
		RestartDelay:        5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.BroadcastEvery <= 0 {
		c.BroadcastEvery = def.BroadcastEvery
	}
	if c.Depositors <= 0 {
		c.Depositors = def.Depositors
	}
	if !c.MinAmount.IsPositive() {
		c.MinAmount = def.MinAmount
	}
	if c.MaxAmount.LessThan(c.MinAmount) {
		c.MaxAmount = c.MinAmount
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// StepResult counts what one traffic tick did.
type StepResult struct {
	Accepted  int
	Rejected  int
	Withdrawn int
	Settled   bool
	Restarted bool
}

// Runner feeds one engine. Step is not safe for concurrent use; Run calls
// it from a single goroutine.
type Runner struct {
	eng *engine.Engine
	out Broadcaster
	cfg Config
	rng *rand.Rand

	settledAt time.Time
}

// NewRunner creates a runner. out may be nil.
func NewRunner(eng *engine.Engine, cfg Config, out Broadcaster) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		eng: eng,
		out: out,
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	traffic := time.NewTicker(r.cfg.Tick)
	defer traffic.Stop()
	push := time.NewTicker(r.cfg.BroadcastEvery)
	defer push.Stop()

	slog.Info("simulation started",
		"seed", r.cfg.Seed,
		"tick", r.cfg.Tick.String(),
		"traffic", r.cfg.Traffic,
	)
	for {
		select {
		case <-ctx.Done():
			slog.Info("simulation stopped")
			return
		case <-traffic.C:
			r.Step()
		case <-push.C:
			if r.out != nil {
				r.out.BroadcastSnapshot(r.eng.Snapshot())
			}
		}
	}
}

// Step runs one traffic tick: expiry poll, optional restart, deposits and
// at most one emergency withdraw.
func (r *Runner) Step() StepResult {
	var res StepResult
	now := r.cfg.Clock()

	res.Settled = r.eng.Poll(now)
	if res.Settled {
		r.settledAt = now
	}

	if r.eng.Snapshot().RoundState != string(round.StateActive) {
		if r.settledAt.IsZero() {
			r.settledAt = now
		}
		if !r.cfg.AutoRestart || now.Sub(r.settledAt) < r.cfg.RestartDelay {
			return res
		}
		if err := r.eng.RestartRound(); err != nil {
			slog.Warn("auto restart failed", "err", err)
			return res
		}
		r.settledAt = time.Time{}
		res.Restarted = true
	}

	for i := 0; i < r.cfg.Traffic; i++ {
		_, err := r.eng.SubmitDeposit(r.nextDeposit())
		switch {
		case err == nil:
			res.Accepted++
		case errors.Is(err, engine.ErrRoundClosed):
			res.Rejected++
			r.settledAt = now
			return res
		default:
			res.Rejected++
			slog.Debug("synthetic deposit rejected", "err", err)
		}
	}

	if r.cfg.WithdrawProbability > 0 && r.rng.Float64() < r.cfg.WithdrawProbability {
		if id, ok := r.pickWithdrawal(); ok {
			if _, err := r.eng.EmergencyWithdraw(id); err == nil {
				res.Withdrawn++
			}
		}
	}
	return res
}

func (r *Runner) nextDeposit() engine.Deposit {
	role := model.RoleUser
	if r.rng.Float64() < r.cfg.ClientShare {
		role = model.RoleClient
	}
	span := r.cfg.MaxAmount.Sub(r.cfg.MinAmount)
	amount := r.cfg.MinAmount.Add(span.Mul(decimal.NewFromFloat(r.rng.Float64()))).Round(2)
	if !amount.IsPositive() {
		amount = r.cfg.MinAmount
	}
	return engine.Deposit{
		Amount:      amount,
		Role:        role,
		DepositorID: fmt.Sprintf("sim-%03d", r.rng.Intn(r.cfg.Depositors)),
	}
}

// pickWithdrawal chooses a random participant position from the visible
// head of the queue.
func (r *Runner) pickWithdrawal() (string, bool) {
	var ids []string
	for _, p := range r.eng.Snapshot().Queue {
		if p.Role.IsParticipant() {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	return ids[r.rng.Intn(len(ids))], true
}
