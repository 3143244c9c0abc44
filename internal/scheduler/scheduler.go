// Package scheduler implements the tick-driven systemic events: slashing
// sweeps, reserve drips, jackpot-bot cadence and the retirement sweep.
// Functions here mutate the positions they are handed; balances are the
// caller's concern.
package scheduler

import (
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/distribution"
	"github.com/atmx/deposit-queue/internal/ledger"
	"github.com/atmx/deposit-queue/internal/model"
	"github.com/atmx/deposit-queue/internal/policy"
)

// Drip skip reasons.
const (
	SkipEmptyReserve = "empty_reserve"
	SkipLowHealth    = "low_health"
	SkipEmptyQueue   = "empty_queue"
)

// Due reports whether a counter has reached a multiple of every. A
// non-positive period never fires.
func Due(counter int64, every int) bool {
	return every > 0 && counter > 0 && counter%int64(every) == 0
}

// SlashResult lists the haircuts applied in one sweep.
type SlashResult struct {
	Victims []string
	Reduced decimal.Decimal // total target removed
}

// Slash picks whales and cuts their target by cfg.SlashRate.
//
// Candidates have a deposit above WhaleThreshold and are not system
// positions. They are ranked by remaining need (largest first), the top
// SlashCandidatePool kept, and up to SlashVictims drawn without replacement.
// A cut never takes the target below what the victim already collected.
func Slash(queue []*model.Position, cfg policy.Config, rng *rand.Rand) SlashResult {
	res := SlashResult{Reduced: decimal.Zero}
	if cfg.SlashVictims <= 0 || !cfg.SlashRate.IsPositive() {
		return res
	}

	var candidates []*model.Position
	for _, p := range queue {
		if p.Role.IsSystem() {
			continue
		}
		if p.Deposit.GreaterThan(cfg.WhaleThreshold) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return res
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Need().GreaterThan(candidates[j].Need())
	})
	if cfg.SlashCandidatePool > 0 && len(candidates) > cfg.SlashCandidatePool {
		candidates = candidates[:cfg.SlashCandidatePool]
	}

	picks := len(candidates)
	if picks > cfg.SlashVictims {
		picks = cfg.SlashVictims
	}
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		order = rng.Perm(len(candidates))
	}

	keep := decimal.NewFromInt(1).Sub(cfg.SlashRate)
	for _, idx := range order[:picks] {
		v := candidates[idx]
		newTarget := decimal.Max(v.Target.Mul(keep), v.Collected)
		res.Reduced = res.Reduced.Add(v.Target.Sub(newTarget))
		v.Target = newTarget
		v.Flags.Slashed = true
		res.Victims = append(res.Victims, v.ID)
	}
	return res
}

// DripResult describes one release of reserve funds into the queue.
type DripResult struct {
	Released decimal.Decimal // taken out of the reserve
	Spent    decimal.Decimal // credited to positions
	Returned decimal.Decimal // handed back to the reserve
	Skipped  string
	Result   distribution.Result
}

// Drip releases DripRate of the reserve (all of it in flush mode) into the
// queue, optionally feeding the tail first. It is skipped when the reserve
// is empty or the queue is already below the critical health factor.
func Drip(reserve, health decimal.Decimal, queue []*model.Position, cfg policy.Config) DripResult {
	res := DripResult{Released: decimal.Zero, Spent: decimal.Zero, Returned: decimal.Zero}
	switch {
	case reserve.LessThanOrEqual(model.Epsilon):
		res.Skipped = SkipEmptyReserve
		return res
	case cfg.CriticalHealth.IsPositive() && health.LessThan(cfg.CriticalHealth):
		res.Skipped = SkipLowHealth
		return res
	case len(queue) == 0:
		res.Skipped = SkipEmptyQueue
		return res
	}

	amount := reserve
	if !cfg.FlushMode {
		amount = reserve.Mul(cfg.DripRate)
	}
	if !amount.IsPositive() {
		res.Skipped = SkipEmptyReserve
		return res
	}

	dist := distribution.TailSplit(amount, cfg.TailShare, cfg.TailCount, queue)
	res.Released = amount
	res.Spent = dist.Spent
	res.Returned = dist.Leftover
	res.Result = dist
	return res
}

// SweepResult lists positions removed by the retirement sweep.
type SweepResult struct {
	Retired []*model.Position
	Excess  decimal.Decimal // collected above target, to be returned to the reserve
	Dust    decimal.Decimal // tolerance shortfall topped up to reach target
}

// Sweep removes every settled position from the ledger in one pass and
// clamps its Collected to exactly Target.
func Sweep(l *ledger.Ledger) SweepResult {
	res := SweepResult{Excess: decimal.Zero, Dust: decimal.Zero}
	res.Retired = l.RemoveWhere(func(p *model.Position) bool { return p.Settled() })
	for _, p := range res.Retired {
		diff := p.Collected.Sub(p.Target)
		switch {
		case diff.IsPositive():
			res.Excess = res.Excess.Add(diff)
		case diff.IsNegative():
			res.Dust = res.Dust.Add(diff.Neg())
		}
		p.Collected = p.Target
	}
	return res
}
