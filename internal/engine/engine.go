// Package engine is the single entry point that sequences fees, multiplier
// assignment, distribution, periodic events, retirement and round
// accounting for every deposit and early exit.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/distribution"
	"github.com/atmx/deposit-queue/internal/ledger"
	"github.com/atmx/deposit-queue/internal/metrics"
	"github.com/atmx/deposit-queue/internal/model"
	"github.com/atmx/deposit-queue/internal/multiplier"
	"github.com/atmx/deposit-queue/internal/policy"
	"github.com/atmx/deposit-queue/internal/round"
	"github.com/atmx/deposit-queue/internal/scheduler"
)

var (
	ErrInvalidAmount    = errors.New("engine: amount must be positive")
	ErrInvalidRole      = errors.New("engine: only user and client deposits may be submitted")
	ErrRoundClosed      = errors.New("engine: round is not accepting deposits")
	ErrRoundActive      = round.ErrRoundActive
	ErrPositionNotFound = errors.New("engine: position not found")
	ErrNotWithdrawable  = errors.New("engine: position cannot be withdrawn")
)

// Depositor IDs given to system positions.
const (
	SeedDepositor = "system-seed"
	BotDepositor  = "jackpot-bot"
)

// Observer receives every exit and concluded round. Calls are made with the
// engine lock held and must not block.
type Observer interface {
	OnExit(model.ExitRecord)
	OnRound(model.RoundLog)
}

// Observers fans every event out to each observer in order.
type Observers []Observer

func (o Observers) OnExit(rec model.ExitRecord) {
	for _, ob := range o {
		ob.OnExit(rec)
	}
}

func (o Observers) OnRound(log model.RoundLog) {
	for _, ob := range o {
		ob.OnRound(log)
	}
}

// Deposit is an externally submitted deposit. Role defaults to USER.
type Deposit struct {
	Amount      decimal.Decimal
	Role        model.Role
	DepositorID string
}

// Options configures a new Engine. Only Policy is required.
type Options struct {
	SessionID string
	Policy    *policy.Store
	Rand      *rand.Rand
	Clock     func() time.Time
	Observer  Observer
}

// reinvestment is a queued internal deposit waiting for the next tick.
type reinvestment struct {
	amount      decimal.Decimal
	depositorID string
}

// entry is one deposit about to be placed in the queue.
type entry struct {
	amount      decimal.Decimal
	role        model.Role
	depositorID string
}

// Engine owns the ledger and every aggregate balance. Mutations are
// serialized by mu; readers use Snapshot, which never blocks.
type Engine struct {
	policy   *policy.Store
	rng      *rand.Rand
	now      func() time.Time
	observer Observer

	mu       sync.Mutex
	ledger   *ledger.Ledger
	rounds   *round.Manager
	strategy multiplier.Strategy

	tick           int64
	usersAccepted  int64
	totalDeposited decimal.Decimal
	reserve        decimal.Decimal
	jackpot        decimal.Decimal
	paidOut        decimal.Decimal
	exitCredits    decimal.Decimal
	retiredCount   int
	retiredValue   decimal.Decimal
	lastMultiplier decimal.Decimal
	pending        []reinvestment
	pendingTotal   decimal.Decimal

	snap atomic.Pointer[model.Snapshot]
}

// New creates an engine and opens round 1 with its seed position.
func New(opts Options) *Engine {
	if opts.Policy == nil {
		opts.Policy = policy.NewStore(policy.Default())
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	cfg := opts.Policy.Snapshot()
	e := &Engine{
		policy:         opts.Policy,
		rng:            opts.Rand,
		now:            opts.Clock,
		observer:       opts.Observer,
		ledger:         ledger.New(cfg.HistoryLimit),
		rounds:         round.NewManager(opts.SessionID),
		strategy:       multiplier.New(cfg, opts.Rand),
		totalDeposited: decimal.Zero,
		reserve:        decimal.Zero,
		jackpot:        decimal.Zero,
		paidOut:        decimal.Zero,
		exitCredits:    decimal.Zero,
		retiredValue:   decimal.Zero,
		lastMultiplier: cfg.BaseMultiplier,
		pendingTotal:   decimal.Zero,
	}

	now := e.now()
	e.rounds.Begin(now, cfg)
	e.seed(cfg, now)
	e.publish(cfg, now)
	return e
}

// SubmitDeposit processes one external deposit as a single atomic step and
// returns a copy of the new position.
//
// Pending reinvestments are drained first, then the tick advances and the
// periodic events fire, then the deposit itself is placed. A deposit that
// arrives after the timer ran out or that would exceed the transaction cap
// settles the round and is rejected.
func (e *Engine) SubmitDeposit(dep Deposit) (model.Position, error) {
	if dep.Role == "" {
		dep.Role = model.RoleUser
	}
	if !dep.Amount.IsPositive() {
		metrics.RejectionsTotal.WithLabelValues("invalid_amount").Inc()
		return model.Position{}, ErrInvalidAmount
	}
	if !dep.Role.IsParticipant() {
		metrics.RejectionsTotal.WithLabelValues("invalid_role").Inc()
		return model.Position{}, ErrInvalidRole
	}

	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.policy.Snapshot()
	now := e.now()
	e.applyPolicy(cfg)

	if !e.rounds.Active() {
		metrics.RejectionsTotal.WithLabelValues("round_closed").Inc()
		return model.Position{}, ErrRoundClosed
	}
	if e.rounds.Expired(now) {
		e.settle(cfg, now, model.TerminationTimer)
		e.publish(cfg, now)
		metrics.RejectionsTotal.WithLabelValues("round_closed").Inc()
		return model.Position{}, ErrRoundClosed
	}
	if e.rounds.AtCapacity(cfg) {
		e.settle(cfg, now, model.TerminationCap)
		e.publish(cfg, now)
		metrics.RejectionsTotal.WithLabelValues("round_closed").Inc()
		return model.Position{}, ErrRoundClosed
	}

	e.drainReinvestments(cfg, now)

	e.tick++
	e.runScheduled(cfg)

	if cfg.MaxDeposit.IsPositive() && dep.Amount.GreaterThan(cfg.MaxDeposit) {
		dep.Amount = cfg.MaxDeposit
	}
	p := e.place(cfg, now, entry{amount: dep.Amount, role: dep.Role, depositorID: dep.DepositorID})

	e.usersAccepted++
	if scheduler.Due(e.usersAccepted, cfg.BotEvery) && cfg.BotDeposit.IsPositive() {
		e.place(cfg, now, entry{amount: cfg.BotDeposit, role: model.RoleJackpotBot, depositorID: BotDepositor})
		slog.Info("jackpot bot injected", "round", e.rounds.Round(), "users", e.usersAccepted, "deposit", cfg.BotDeposit.String())
	}

	e.retire(cfg, now)
	e.rounds.Accept(now, dep.DepositorID, dep.Amount, cfg)

	out := *p
	e.publish(cfg, now)
	metrics.DepositLatency.Observe(time.Since(start).Seconds())
	return out, nil
}

// EmergencyWithdraw closes a user or client position early. The penalty is
// ExitPenalty of the deposit, StressedExitPenalty while health is below
// StressHealth. The position leaves with exactly deposit × (1 − rate): what
// it collected beyond that goes to the reserve, a shortfall is drawn from
// the reserve, and any part the reserve cannot cover is booked as an exit
// credit.
func (e *Engine) EmergencyWithdraw(positionID string) (model.ExitRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.policy.Snapshot()
	now := e.now()
	e.applyPolicy(cfg)

	if e.rounds.Expired(now) {
		e.settle(cfg, now, model.TerminationTimer)
		e.publish(cfg, now)
	}
	if !e.rounds.Active() {
		metrics.RejectionsTotal.WithLabelValues("round_closed").Inc()
		return model.ExitRecord{}, ErrRoundClosed
	}
	p, ok := e.ledger.Find(positionID)
	if !ok {
		metrics.RejectionsTotal.WithLabelValues("not_found").Inc()
		return model.ExitRecord{}, ErrPositionNotFound
	}
	if !p.Role.IsParticipant() {
		metrics.RejectionsTotal.WithLabelValues("not_withdrawable").Inc()
		return model.ExitRecord{}, ErrNotWithdrawable
	}

	rate := cfg.ExitPenalty
	if e.health(cfg).LessThan(cfg.StressHealth) {
		rate = cfg.StressedExitPenalty
	}
	penalty := p.Deposit.Mul(rate)
	refund := p.Deposit.Sub(penalty)
	e.reserve = e.reserve.Add(p.Collected).Sub(refund)
	if e.reserve.IsNegative() {
		e.exitCredits = e.exitCredits.Add(e.reserve.Neg())
		e.reserve = decimal.Zero
	}
	p.Collected = refund

	e.ledger.Remove(p.ID)
	rec := e.exit(now, p, model.ExitEarly, decimal.Zero, decimal.Zero)
	e.paidOut = e.paidOut.Add(rec.Payout)

	slog.Info("emergency withdraw",
		"position", p.ID,
		"depositor", p.DepositorID,
		"rate", rate.String(),
		"penalty", penalty.String(),
		"payout", rec.Payout.String(),
	)
	e.publish(cfg, now)
	return rec, nil
}

// Poll settles the round if its timer ran out before now. It reports
// whether a settlement happened.
func (e *Engine) Poll(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.rounds.Expired(now) {
		return false
	}
	cfg := e.policy.Snapshot()
	e.applyPolicy(cfg)
	_, ok := e.settle(cfg, now, model.TerminationTimer)
	e.publish(cfg, now)
	return ok
}

// Settle forces settlement of the active round. A second call for the same
// round is a no-op and reports false.
func (e *Engine) Settle(reason model.TerminationReason) (model.RoundLog, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.policy.Snapshot()
	now := e.now()
	e.applyPolicy(cfg)
	log, ok := e.settle(cfg, now, reason)
	if ok {
		e.publish(cfg, now)
	}
	return log, ok
}

// RestartRound opens the next round with a fresh seed position. Lifetime
// counters and exit history carry over.
func (e *Engine) RestartRound() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.policy.Snapshot()
	now := e.now()
	e.applyPolicy(cfg)
	if err := e.rounds.Restart(now, cfg); err != nil {
		return err
	}
	e.seed(cfg, now)
	slog.Info("round started", "round", e.rounds.Round(), "expiry", e.rounds.Expiry())
	e.publish(cfg, now)
	return nil
}

// Refresh republishes the snapshot, e.g. after a policy update.
func (e *Engine) Refresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.policy.Snapshot()
	e.applyPolicy(cfg)
	e.publish(cfg, e.now())
}

// Snapshot returns the most recently published view. It never blocks.
func (e *Engine) Snapshot() model.Snapshot {
	return *e.snap.Load()
}

// --- internals; callers hold mu ---

// applyPolicy rebuilds the strategy when the policy switched to another one.
func (e *Engine) applyPolicy(cfg policy.Config) {
	if e.strategy.Name() != cfg.Strategy {
		e.strategy = multiplier.New(cfg, e.rng)
		slog.Info("multiplier strategy changed", "strategy", cfg.Strategy, "policy_version", cfg.Version)
	}
	e.ledger.SetHistoryLimit(cfg.HistoryLimit)
}

func (e *Engine) seed(cfg policy.Config, now time.Time) {
	if !cfg.SeedDeposit.IsPositive() {
		return
	}
	e.place(cfg, now, entry{amount: cfg.SeedDeposit, role: model.RoleSeed, depositorID: SeedDepositor})
	e.retire(cfg, now)
}

// drainReinvestments places every reinvestment queued before this tick.
// Reinvestments produced while draining wait for the next tick.
func (e *Engine) drainReinvestments(cfg policy.Config, now time.Time) {
	batch := e.pending
	e.pending = nil
	for _, r := range batch {
		e.pendingTotal = e.pendingTotal.Sub(r.amount)
		e.place(cfg, now, entry{amount: r.amount, role: model.RoleReinvest, depositorID: r.depositorID})
		e.retire(cfg, now)
	}
}

// runScheduled fires the tick-driven slashing and drip events.
func (e *Engine) runScheduled(cfg policy.Config) {
	if cfg.SlashEnabled && scheduler.Due(e.tick, cfg.SlashEvery) {
		res := scheduler.Slash(e.ledger.Positions(), cfg, e.rng)
		if len(res.Victims) > 0 {
			metrics.SlashVictims.Add(float64(len(res.Victims)))
			slog.Info("slashing sweep", "tick", e.tick, "victims", len(res.Victims), "reduced", res.Reduced.String())
		}
	}
	if scheduler.Due(e.tick, cfg.DripEvery) {
		res := scheduler.Drip(e.reserve, e.health(cfg), e.ledger.Positions(), cfg)
		if res.Skipped != "" {
			metrics.Drips.WithLabelValues(res.Skipped).Inc()
			slog.Debug("drip skipped", "tick", e.tick, "reason", res.Skipped)
			return
		}
		e.reserve = e.reserve.Sub(res.Released).Add(res.Returned)
		metrics.Drips.WithLabelValues("released").Inc()
		slog.Info("reserve drip", "tick", e.tick, "released", res.Released.String(), "spent", res.Spent.String(), "flush", cfg.FlushMode)
	}
}

// place routes fees, assigns a multiplier, runs the yield pre-split over the
// existing queue, appends the new position and head-fills the remainder.
// Leftover funds go to the reserve.
func (e *Engine) place(cfg policy.Config, now time.Time, en entry) *model.Position {
	net := en.amount
	if en.role.IsParticipant() {
		fee := en.amount.Mul(cfg.FeeRate)
		e.reserve = e.reserve.Add(fee)
		net = net.Sub(fee)
		if cfg.SurchargeThreshold.IsPositive() && en.amount.GreaterThan(cfg.SurchargeThreshold) {
			surcharge := en.amount.Mul(cfg.SurchargeRate)
			toJackpot := surcharge.Mul(cfg.SurchargeJackpotShare)
			e.jackpot = e.jackpot.Add(toJackpot)
			e.reserve = e.reserve.Add(surcharge.Sub(toJackpot))
			net = net.Sub(surcharge)
		}
		if net.IsNegative() {
			e.reserve = e.reserve.Add(net)
			net = decimal.Zero
		}
	}
	if en.role != model.RoleReinvest {
		e.totalDeposited = e.totalDeposited.Add(en.amount)
	}

	var m multiplier.Result
	switch en.role {
	case model.RoleSeed:
		m = multiplier.Result{Multiplier: cfg.SeedMultiplier}
	case model.RoleJackpotBot:
		m = multiplier.Result{Multiplier: cfg.BotMultiplier}
	default:
		in := multiplier.Input{
			QueueLength: e.ledger.Len(),
			Health:      e.health(cfg),
			Internal:    en.role == model.RoleReinvest,
		}
		m = multiplier.Compute(e.strategy, in, cfg, e.rng, en.role == model.RoleReinvest)
		e.lastMultiplier = m.Multiplier
	}

	yield := distribution.YieldSplit(net, cfg.YieldSplit, e.ledger.Positions())
	remaining := net.Sub(yield.Spent)

	p := &model.Position{
		ID:          uuid.New().String(),
		Role:        en.role,
		DepositorID: en.depositorID,
		Deposit:     en.amount,
		Target:      en.amount.Mul(m.Multiplier),
		Collected:   decimal.Zero,
		Multiplier:  m.Multiplier,
		EntryRound:  e.rounds.Round(),
		EntryTick:   e.tick,
		Flags: model.Flags{
			Unlucky:  m.Unlucky,
			Reinvest: en.role == model.RoleReinvest,
		},
		CreatedAt: now,
	}
	e.ledger.Append(p)

	head := distribution.HeadFill(remaining, e.ledger.Positions())
	e.reserve = e.reserve.Add(head.Leftover)

	metrics.DepositsTotal.WithLabelValues(string(en.role)).Inc()
	metrics.DepositVolume.WithLabelValues(string(en.role)).Add(en.amount.InexactFloat64())
	return p
}

// retire removes every fully paid position. Bots send their profit to the
// jackpot; participants and reinvestments queue ReinvestRate of their
// payout for the next tick.
func (e *Engine) retire(cfg policy.Config, now time.Time) {
	res := scheduler.Sweep(e.ledger)
	e.reserve = e.reserve.Add(res.Excess)
	if res.Dust.IsPositive() {
		e.reserve = e.reserve.Sub(decimal.Min(res.Dust, e.reserve))
	}

	for _, p := range res.Retired {
		reason := model.ExitPaid
		if p.Flags.Slashed {
			reason = model.ExitSlashed
		}
		if p.EntryRound == e.rounds.Round() && p.EntryTick == e.tick {
			p.Flags.FastFilled = true
		}

		reinvest := decimal.Zero
		switch {
		case p.Role == model.RoleJackpotBot:
			profit := p.Collected.Sub(p.Deposit)
			if profit.IsPositive() {
				e.jackpot = e.jackpot.Add(profit)
				e.paidOut = e.paidOut.Add(p.Deposit)
			} else {
				e.paidOut = e.paidOut.Add(p.Collected)
			}
		case p.Role == model.RoleSeed:
			e.paidOut = e.paidOut.Add(p.Collected)
		default:
			reinvest = p.Collected.Mul(cfg.ReinvestRate)
			if reinvest.IsPositive() {
				e.pending = append(e.pending, reinvestment{amount: reinvest, depositorID: p.DepositorID})
				e.pendingTotal = e.pendingTotal.Add(reinvest)
			}
			e.paidOut = e.paidOut.Add(p.Collected.Sub(reinvest))
		}

		rec := e.exit(now, p, reason, decimal.Zero, reinvest)
		e.retiredCount++
		e.retiredValue = e.retiredValue.Add(rec.Payout)
	}
}

// settle closes the active round and records every position it closes.
func (e *Engine) settle(cfg policy.Config, now time.Time, reason model.TerminationReason) (model.RoundLog, bool) {
	s, ok := e.rounds.Settle(now, reason, e.ledger, round.Funds{Reserve: e.reserve, Jackpot: e.jackpot}, cfg)
	if !ok {
		return model.RoundLog{}, false
	}
	e.jackpot = e.jackpot.Sub(s.Award)
	e.reserve = e.reserve.Sub(s.Swept)

	if s.Winner != nil {
		rec := e.exit(now, s.Winner, model.ExitJackpotWin, s.Award, decimal.Zero)
		e.paidOut = e.paidOut.Add(rec.Payout)
	}
	for _, p := range s.Closed {
		rec := e.exit(now, p, model.ExitRefund, decimal.Zero, decimal.Zero)
		e.paidOut = e.paidOut.Add(rec.Payout)
	}

	metrics.RoundsSettled.WithLabelValues(string(reason)).Inc()
	slog.Info("round settled",
		"round", s.Log.Round,
		"reason", reason,
		"winner", s.Log.WinnerID,
		"jackpot_award", s.Award.String(),
		"refund_sweep", s.Swept.String(),
		"closed", len(s.Closed),
	)
	if e.observer != nil {
		e.observer.OnRound(s.Log)
	}
	return s.Log, true
}

// exit builds and records the exit of a position already removed from the
// queue. Balance movements are the caller's.
func (e *Engine) exit(now time.Time, p *model.Position, reason model.ExitReason, bonus, reinvest decimal.Decimal) model.ExitRecord {
	p.ExitRound = e.rounds.Round()
	payout := p.Collected.Add(bonus)
	rec := model.ExitRecord{
		Position:  *p,
		Reason:    reason,
		Payout:    payout,
		Bonus:     bonus,
		Reinvest:  reinvest,
		NetProfit: payout.Sub(p.Deposit),
		SessionID: e.rounds.Session(),
		Round:     e.rounds.Round(),
		Tick:      e.tick,
		Timestamp: now,
	}
	e.ledger.Record(rec)
	metrics.ExitsTotal.WithLabelValues(string(reason)).Inc()
	if e.observer != nil {
		e.observer.OnExit(rec)
	}
	return rec
}

// health is reserve / liability, saturating at HealthCap.
func (e *Engine) health(cfg policy.Config) decimal.Decimal {
	liability := e.ledger.Liability()
	if !liability.IsPositive() {
		return cfg.HealthCap
	}
	h := e.reserve.Div(liability)
	if h.GreaterThan(cfg.HealthCap) {
		return cfg.HealthCap
	}
	return h
}
