// Package multiplier computes the payout multiplier assigned to a new
// position. A Strategy produces the base value; Compute layers the
// break-even draw, the [min, max] bounds and the low-health circuit breaker
// on top of it.
//
// Strategies that need transcendental math compute in float64 and convert to
// decimal immediately, rounded to Scale places.
package multiplier

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/policy"
)

// Scale is the number of decimal places a multiplier is rounded to.
var Scale int32 = 4

// One is the break-even multiplier.
var One = decimal.NewFromInt(1)

// Input is the queue state a strategy may react to.
type Input struct {
	QueueLength int
	Health      decimal.Decimal
	Internal    bool // reinvestment placement, not an accepted user
}

// Result is the effective multiplier for one new position.
type Result struct {
	Multiplier decimal.Decimal
	Unlucky    bool
	Throttled  bool // circuit breaker lowered the value
}

// Strategy produces a base multiplier. Implementations may keep state
// between calls; they are driven by a single writer and are not safe for
// concurrent use.
type Strategy interface {
	Name() string
	Next(in Input, cfg policy.Config) decimal.Decimal
}

// New returns the strategy selected by cfg.Strategy.
func New(cfg policy.Config, rng *rand.Rand) Strategy {
	switch cfg.Strategy {
	case policy.StrategyLinear:
		return Linear{}
	case policy.StrategyLogistic:
		return Logistic{}
	case policy.StrategyTarget:
		return &Target{}
	case policy.StrategyRandom:
		return &Random{rng: rng}
	default:
		return Fixed{}
	}
}

// Compute returns the effective multiplier for a new position. Exempt
// positions (system and reinvestment deposits) skip the break-even draw.
func Compute(s Strategy, in Input, cfg policy.Config, rng *rand.Rand, exempt bool) Result {
	if !exempt && cfg.BreakEvenProbability > 0 && rng != nil {
		p := math.Min(cfg.BreakEvenProbability, policy.MaxBreakEvenProbability)
		if rng.Float64() < p {
			return Result{Multiplier: One, Unlucky: true}
		}
	}

	m := s.Next(in, cfg)
	res := Result{Multiplier: m}

	if cfg.CriticalHealth.IsPositive() && in.Health.LessThan(cfg.CriticalHealth) {
		if cfg.CriticalMultiplierCap.IsPositive() && m.GreaterThan(cfg.CriticalMultiplierCap) {
			res.Multiplier = cfg.CriticalMultiplierCap
			res.Throttled = true
		}
	}
	return res
}

// Fixed returns the configured base multiplier.
type Fixed struct{}

func (Fixed) Name() string { return policy.StrategyFixed }

func (Fixed) Next(_ Input, cfg policy.Config) decimal.Decimal {
	return cfg.BaseMultiplier
}

// Linear reduces the base multiplier by a fixed percentage for every
// DecayStepUsers positions in the queue.
type Linear struct{}

func (Linear) Name() string { return policy.StrategyLinear }

func (Linear) Next(in Input, cfg policy.Config) decimal.Decimal {
	reduction := cfg.DecayMinReduction
	if cfg.DecayStepUsers > 0 {
		steps := decimal.NewFromInt(int64(in.QueueLength / cfg.DecayStepUsers))
		reduction = steps.Mul(cfg.DecayStepPercent)
	}
	if reduction.LessThan(cfg.DecayMinReduction) {
		reduction = cfg.DecayMinReduction
	}
	if reduction.GreaterThan(cfg.DecayMaxReduction) {
		reduction = cfg.DecayMaxReduction
	}
	m := cfg.BaseMultiplier.Mul(One.Sub(reduction)).Round(Scale)
	return clamp(m, cfg)
}

// Logistic decays smoothly from MaxMultiplier towards MinMultiplier:
//
//	m = min + (max - min) / (1 + rate * queueLength)
type Logistic struct{}

func (Logistic) Name() string { return policy.StrategyLogistic }

func (Logistic) Next(in Input, cfg policy.Config) decimal.Decimal {
	lo := cfg.MinMultiplier.InexactFloat64()
	hi := cfg.MaxMultiplier.InexactFloat64()
	rate := math.Max(cfg.DecayRate, 0)

	v := lo + (hi-lo)/(1+rate*float64(in.QueueLength))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = lo
	}
	return clamp(decimal.NewFromFloat(v).Round(Scale), cfg)
}

// Target is an integral controller that nudges the multiplier up while the
// queue is shorter than TargetQueueLength and down while it is longer.
type Target struct {
	current decimal.Decimal
	started bool
}

func (*Target) Name() string { return policy.StrategyTarget }

func (t *Target) Next(in Input, cfg policy.Config) decimal.Decimal {
	if !t.started {
		t.current = clamp(cfg.BaseMultiplier, cfg)
		t.started = true
	}
	switch {
	case in.QueueLength < cfg.TargetQueueLength:
		t.current = t.current.Add(cfg.TargetStep)
	case in.QueueLength > cfg.TargetQueueLength:
		t.current = t.current.Sub(cfg.TargetStep)
	}
	t.current = clamp(t.current, cfg)
	return t.current
}

// Current returns the controller's running value.
func (t *Target) Current() decimal.Decimal { return t.current }

// Random draws a uniform value in [min, max] every RandomEvery accepted
// users and holds it in between. Internal placements reuse the held value. The source is math/rand: fine for simulation, never
// for settlement.
type Random struct {
	rng   *rand.Rand
	held  decimal.Decimal
	calls int
}

func (*Random) Name() string { return policy.StrategyRandom }

func (r *Random) Next(in Input, cfg policy.Config) decimal.Decimal {
	every := cfg.RandomEvery
	if every <= 0 {
		every = 1
	}
	if (r.calls%every == 0 && !in.Internal) || r.held.IsZero() {
		lo := cfg.MinMultiplier.InexactFloat64()
		hi := cfg.MaxMultiplier.InexactFloat64()
		u := 0.5
		if r.rng != nil {
			u = r.rng.Float64()
		}
		r.held = decimal.NewFromFloat(lo + u*(hi-lo)).Round(Scale)
	}
	if !in.Internal {
		r.calls++
	}
	return clamp(r.held, cfg)
}

func clamp(m decimal.Decimal, cfg policy.Config) decimal.Decimal {
	if m.LessThan(cfg.MinMultiplier) {
		return cfg.MinMultiplier
	}
	if m.GreaterThan(cfg.MaxMultiplier) {
		return cfg.MaxMultiplier
	}
	return m
}
