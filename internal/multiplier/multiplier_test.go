package multiplier

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/policy"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func healthy() Input {
	return Input{QueueLength: 0, Health: d(5)}
}

func TestFixed_ReturnsBase(t *testing.T) {
	cfg := policy.Default()
	res := Compute(Fixed{}, healthy(), cfg, nil, false)
	if !res.Multiplier.Equal(d(2.0)) {
		t.Errorf("expected 2.0, got %s", res.Multiplier)
	}
}

func TestNew_SelectsStrategy(t *testing.T) {
	cfg := policy.Default()
	for _, name := range []string{
		policy.StrategyFixed, policy.StrategyLinear, policy.StrategyLogistic,
		policy.StrategyTarget, policy.StrategyRandom,
	} {
		cfg.Strategy = name
		if got := New(cfg, rand.New(rand.NewSource(1))).Name(); got != name {
			t.Errorf("expected %s, got %s", name, got)
		}
	}
}

func TestLinear_StepsDownPerUsers(t *testing.T) {
	cfg := policy.Default()
	cfg.BaseMultiplier = d(2.0)
	cfg.DecayStepUsers = 100
	cfg.DecayStepPercent = d(0.05)
	cfg.DecayMaxReduction = d(0.4)

	tests := []struct {
		queue int
		want  float64
	}{
		{0, 2.0},
		{99, 2.0},
		{100, 1.9},
		{250, 1.8},
		{10000, 1.2}, // capped at 40% reduction
	}
	for _, tt := range tests {
		got := Linear{}.Next(Input{QueueLength: tt.queue}, cfg)
		if !got.Equal(d(tt.want)) {
			t.Errorf("queue=%d: expected %.2f, got %s", tt.queue, tt.want, got)
		}
	}
}

func TestLinear_ZeroStepUsesMinReduction(t *testing.T) {
	cfg := policy.Default()
	cfg.DecayStepUsers = 0
	cfg.DecayMinReduction = d(0.1)
	got := Linear{}.Next(Input{QueueLength: 5000}, cfg)
	if !got.Equal(d(1.8)) {
		t.Errorf("expected 1.8 with min reduction only, got %s", got)
	}
}

func TestLogistic_DecaysTowardsFloor(t *testing.T) {
	cfg := policy.Default()
	cfg.MinMultiplier = d(1.1)
	cfg.MaxMultiplier = d(2.0)
	cfg.DecayRate = 0.01

	start := Logistic{}.Next(Input{QueueLength: 0}, cfg)
	if !start.Equal(d(2.0)) {
		t.Errorf("empty queue should give ceiling 2.0, got %s", start)
	}
	mid := Logistic{}.Next(Input{QueueLength: 100}, cfg)
	if !mid.Equal(d(1.55)) {
		t.Errorf("queue=100 should give 1.55, got %s", mid)
	}
	far := Logistic{}.Next(Input{QueueLength: 1_000_000}, cfg)
	if far.LessThan(cfg.MinMultiplier) || far.GreaterThan(d(1.11)) {
		t.Errorf("huge queue should approach floor, got %s", far)
	}
}

func TestLogistic_NonPositiveRateHoldsCeiling(t *testing.T) {
	cfg := policy.Default()
	cfg.DecayRate = -5
	got := Logistic{}.Next(Input{QueueLength: 500}, cfg)
	if !got.Equal(cfg.MaxMultiplier) {
		t.Errorf("negative rate should clamp to no decay, got %s", got)
	}
}

func TestTarget_DriftsAroundSetpoint(t *testing.T) {
	cfg := policy.Default()
	cfg.BaseMultiplier = d(1.5)
	cfg.TargetQueueLength = 10
	cfg.TargetStep = d(0.1)

	tgt := &Target{}
	if got := tgt.Next(Input{QueueLength: 5}, cfg); !got.Equal(d(1.6)) {
		t.Errorf("short queue should raise to 1.6, got %s", got)
	}
	if got := tgt.Next(Input{QueueLength: 20}, cfg); !got.Equal(d(1.5)) {
		t.Errorf("long queue should lower to 1.5, got %s", got)
	}
	if got := tgt.Next(Input{QueueLength: 10}, cfg); !got.Equal(d(1.5)) {
		t.Errorf("at setpoint should hold 1.5, got %s", got)
	}
	for i := 0; i < 50; i++ {
		tgt.Next(Input{QueueLength: 0}, cfg)
	}
	if !tgt.Current().Equal(cfg.MaxMultiplier) {
		t.Errorf("should saturate at max %s, got %s", cfg.MaxMultiplier, tgt.Current())
	}
}

func TestRandom_HoldsBetweenRedraws(t *testing.T) {
	cfg := policy.Default()
	cfg.RandomEvery = 3
	r := &Random{rng: rand.New(rand.NewSource(42))}

	first := r.Next(Input{}, cfg)
	if !r.Next(Input{}, cfg).Equal(first) || !r.Next(Input{}, cfg).Equal(first) {
		t.Error("value should be held for RandomEvery calls")
	}
}

func TestRandom_InternalPlacementsDoNotAdvanceCadence(t *testing.T) {
	cfg := policy.Default()
	cfg.MinMultiplier = d(1.1)
	cfg.MaxMultiplier = d(3.0)
	cfg.RandomEvery = 2
	r := &Random{rng: rand.New(rand.NewSource(42))}
	user, internal := Input{}, Input{Internal: true}

	first := r.Next(user, cfg)
	for i := 0; i < 5; i++ {
		if got := r.Next(internal, cfg); !got.Equal(first) {
			t.Fatalf("reinvestment %d redrew: %s vs %s", i, got, first)
		}
	}
	if got := r.Next(user, cfg); !got.Equal(first) {
		t.Errorf("second user should still hold %s, got %s", first, got)
	}
	if r.calls != 2 {
		t.Errorf("expected 2 counted users, got %d", r.calls)
	}
	r.Next(user, cfg)
	if r.calls != 3 {
		t.Errorf("third user should be counted, got %d", r.calls)
	}
}

func TestRandom_Deterministic(t *testing.T) {
	cfg := policy.Default()
	cfg.RandomEvery = 1
	a := &Random{rng: rand.New(rand.NewSource(7))}
	b := &Random{rng: rand.New(rand.NewSource(7))}
	for i := 0; i < 20; i++ {
		if va, vb := a.Next(Input{}, cfg), b.Next(Input{}, cfg); !va.Equal(vb) {
			t.Fatalf("draw %d differs for same seed: %s vs %s", i, va, vb)
		}
	}
}

func TestStrategies_StayWithinBounds(t *testing.T) {
	cfg := policy.Default()
	cfg.MinMultiplier = d(1.1)
	cfg.MaxMultiplier = d(2.0)
	cfg.RandomEvery = 1
	cfg.TargetStep = d(0.3)
	cfg.DecayStepPercent = d(0.5)
	cfg.DecayMaxReduction = d(0.9)
	rng := rand.New(rand.NewSource(99))

	strategies := []Strategy{Linear{}, Logistic{}, &Target{}, &Random{rng: rng}}
	for _, s := range strategies {
		for q := 0; q < 2000; q += 7 {
			m := s.Next(Input{QueueLength: q}, cfg)
			if m.LessThan(cfg.MinMultiplier) || m.GreaterThan(cfg.MaxMultiplier) {
				t.Fatalf("%s: queue=%d multiplier %s outside [%s, %s]",
					s.Name(), q, m, cfg.MinMultiplier, cfg.MaxMultiplier)
			}
		}
	}
}

func TestCompute_BreakEvenShortCircuits(t *testing.T) {
	cfg := policy.Default()
	cfg.BreakEvenProbability = 0.5
	rng := rand.New(rand.NewSource(3))

	unlucky := 0
	for i := 0; i < 1000; i++ {
		res := Compute(Fixed{}, healthy(), cfg, rng, false)
		if res.Unlucky {
			unlucky++
			if !res.Multiplier.Equal(One) {
				t.Fatalf("unlucky deposit must get 1.0, got %s", res.Multiplier)
			}
		}
	}
	if unlucky < 400 || unlucky > 600 {
		t.Errorf("expected ~500 unlucky draws at p=0.5, got %d", unlucky)
	}
}

func TestCompute_ExemptSkipsBreakEven(t *testing.T) {
	cfg := policy.Default()
	cfg.BreakEvenProbability = 0.5
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		if Compute(Fixed{}, healthy(), cfg, rng, true).Unlucky {
			t.Fatal("exempt deposit must never be flagged unlucky")
		}
	}
}

func TestCompute_BreakEvenProbabilityCapped(t *testing.T) {
	cfg := policy.Default()
	cfg.BreakEvenProbability = 1.0 // not normalized on purpose
	rng := rand.New(rand.NewSource(11))
	lucky := 0
	for i := 0; i < 1000; i++ {
		if !Compute(Fixed{}, healthy(), cfg, rng, false).Unlucky {
			lucky++
		}
	}
	if lucky == 0 {
		t.Error("probability above 0.5 must be capped; expected some lucky draws")
	}
}

func TestCompute_CircuitBreaker(t *testing.T) {
	cfg := policy.Default()
	cfg.CriticalHealth = d(0.1)
	cfg.CriticalMultiplierCap = d(1.25)

	stressed := Compute(Fixed{}, Input{Health: d(0.05)}, cfg, nil, false)
	if !stressed.Multiplier.Equal(d(1.25)) || !stressed.Throttled {
		t.Errorf("stressed queue should clamp to 1.25, got %s (throttled=%v)",
			stressed.Multiplier, stressed.Throttled)
	}

	ok := Compute(Fixed{}, Input{Health: d(0.2)}, cfg, nil, false)
	if !ok.Multiplier.Equal(d(2.0)) || ok.Throttled {
		t.Errorf("healthy queue should keep 2.0, got %s", ok.Multiplier)
	}
}
