// Package policy holds the tunable parameters read by the engine on every
// operation. The live record is owned by Store; the engine only ever sees a
// value copy taken at the start of an operation.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Multiplier strategy names.
const (
	StrategyFixed    = "fixed"
	StrategyLinear   = "linear"
	StrategyLogistic = "logistic"
	StrategyTarget   = "target"
	StrategyRandom   = "random"
)

var validStrategies = map[string]bool{
	StrategyFixed:    true,
	StrategyLinear:   true,
	StrategyLogistic: true,
	StrategyTarget:   true,
	StrategyRandom:   true,
}

// MaxBreakEvenProbability caps the unlucky-deposit probability.
const MaxBreakEvenProbability = 0.5

// ErrUnknownStrategy is returned when a policy names an unsupported strategy.
var ErrUnknownStrategy = errors.New("policy: unknown multiplier strategy")

// Duration wraps time.Duration to support YAML and JSON strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.parse(value.Value)
}

// UnmarshalJSON parses a quoted duration string.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be string: %w", err)
	}
	return d.parse(raw)
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the flat record of engine parameters. Rates are fractions
// (0.05 = 5%). A zero period disables the corresponding periodic event.
type Config struct {
	Version int `yaml:"-" json:"version"`

	// Entry fees.
	FeeRate               decimal.Decimal `yaml:"fee_rate" json:"fee_rate"`
	SurchargeThreshold    decimal.Decimal `yaml:"surcharge_threshold" json:"surcharge_threshold"`
	SurchargeRate         decimal.Decimal `yaml:"surcharge_rate" json:"surcharge_rate"`
	SurchargeJackpotShare decimal.Decimal `yaml:"surcharge_jackpot_share" json:"surcharge_jackpot_share"`
	MaxDeposit            decimal.Decimal `yaml:"max_deposit" json:"max_deposit"`

	// Multiplier strategy.
	Strategy              string          `yaml:"strategy" json:"strategy"`
	BaseMultiplier        decimal.Decimal `yaml:"base_multiplier" json:"base_multiplier"`
	MinMultiplier         decimal.Decimal `yaml:"min_multiplier" json:"min_multiplier"`
	MaxMultiplier         decimal.Decimal `yaml:"max_multiplier" json:"max_multiplier"`
	DecayStepUsers        int             `yaml:"decay_step_users" json:"decay_step_users"`
	DecayStepPercent      decimal.Decimal `yaml:"decay_step_percent" json:"decay_step_percent"`
	DecayMinReduction     decimal.Decimal `yaml:"decay_min_reduction" json:"decay_min_reduction"`
	DecayMaxReduction     decimal.Decimal `yaml:"decay_max_reduction" json:"decay_max_reduction"`
	DecayRate             float64         `yaml:"decay_rate" json:"decay_rate"`
	TargetQueueLength     int             `yaml:"target_queue_length" json:"target_queue_length"`
	TargetStep            decimal.Decimal `yaml:"target_step" json:"target_step"`
	RandomEvery           int             `yaml:"random_every" json:"random_every"`
	BreakEvenProbability  float64         `yaml:"break_even_probability" json:"break_even_probability"`
	CriticalHealth        decimal.Decimal `yaml:"critical_health" json:"critical_health"`
	CriticalMultiplierCap decimal.Decimal `yaml:"critical_multiplier_cap" json:"critical_multiplier_cap"`

	// Distribution.
	YieldSplit decimal.Decimal `yaml:"yield_split" json:"yield_split"`

	// Slashing.
	SlashEnabled       bool            `yaml:"slash_enabled" json:"slash_enabled"`
	SlashEvery         int             `yaml:"slash_every" json:"slash_every"`
	WhaleThreshold     decimal.Decimal `yaml:"whale_threshold" json:"whale_threshold"`
	SlashCandidatePool int             `yaml:"slash_candidate_pool" json:"slash_candidate_pool"`
	SlashVictims       int             `yaml:"slash_victims" json:"slash_victims"`
	SlashRate          decimal.Decimal `yaml:"slash_rate" json:"slash_rate"`

	// Drip / flush.
	DripEvery int             `yaml:"drip_every" json:"drip_every"`
	DripRate  decimal.Decimal `yaml:"drip_rate" json:"drip_rate"`
	FlushMode bool            `yaml:"flush_mode" json:"flush_mode"`
	TailShare decimal.Decimal `yaml:"tail_share" json:"tail_share"`
	TailCount int             `yaml:"tail_count" json:"tail_count"`

	// Jackpot bot and reinvestment.
	BotEvery      int             `yaml:"bot_every" json:"bot_every"`
	BotDeposit    decimal.Decimal `yaml:"bot_deposit" json:"bot_deposit"`
	BotMultiplier decimal.Decimal `yaml:"bot_multiplier" json:"bot_multiplier"`
	ReinvestRate  decimal.Decimal `yaml:"reinvest_rate" json:"reinvest_rate"`

	// Rounds.
	RoundDuration     Duration        `yaml:"round_duration" json:"round_duration"`
	RoundExtension    Duration        `yaml:"round_extension" json:"round_extension"`
	MaxRoundDuration  Duration        `yaml:"max_round_duration" json:"max_round_duration"`
	MaxTransactions   int             `yaml:"max_transactions" json:"max_transactions"`
	JackpotPayoutRate decimal.Decimal `yaml:"jackpot_payout_rate" json:"jackpot_payout_rate"`

	// Emergency exit.
	ExitPenalty         decimal.Decimal `yaml:"exit_penalty" json:"exit_penalty"`
	StressedExitPenalty decimal.Decimal `yaml:"stressed_exit_penalty" json:"stressed_exit_penalty"`
	StressHealth        decimal.Decimal `yaml:"stress_health" json:"stress_health"`

	// Seed and projection.
	SeedDeposit    decimal.Decimal `yaml:"seed_deposit" json:"seed_deposit"`
	SeedMultiplier decimal.Decimal `yaml:"seed_multiplier" json:"seed_multiplier"`
	HealthCap      decimal.Decimal `yaml:"health_cap" json:"health_cap"`
	HistoryLimit   int             `yaml:"history_limit" json:"history_limit"`
}

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Default returns the baseline policy: a fixed 2x queue with a 5% fee,
// slashing off, daily drips and a bot every 1000 users.
func Default() Config {
	return Config{
		Version:               1,
		FeeRate:               d(0.05),
		SurchargeThreshold:    decimal.Zero,
		SurchargeRate:         d(0.05),
		SurchargeJackpotShare: d(0.5),
		MaxDeposit:            decimal.NewFromInt(10000),

		Strategy:              StrategyFixed,
		BaseMultiplier:        d(2.0),
		MinMultiplier:         d(1.1),
		MaxMultiplier:         d(2.0),
		DecayStepUsers:        100,
		DecayStepPercent:      d(0.01),
		DecayMinReduction:     decimal.Zero,
		DecayMaxReduction:     d(0.4),
		DecayRate:             0.01,
		TargetQueueLength:     100,
		TargetStep:            d(0.01),
		RandomEvery:           50,
		BreakEvenProbability:  0,
		CriticalHealth:        d(0.1),
		CriticalMultiplierCap: d(1.25),

		YieldSplit: decimal.Zero,

		SlashEnabled:       false,
		SlashEvery:         100,
		WhaleThreshold:     decimal.NewFromInt(900),
		SlashCandidatePool: 30,
		SlashVictims:       10,
		SlashRate:          d(0.2),

		DripEvery: 1440,
		DripRate:  d(0.1),
		FlushMode: false,
		TailShare: decimal.Zero,
		TailCount: 10,

		BotEvery:      1000,
		BotDeposit:    decimal.NewFromInt(1000),
		BotMultiplier: d(2.0),
		ReinvestRate:  decimal.Zero,

		RoundDuration:     Duration{time.Hour},
		RoundExtension:    Duration{30 * time.Second},
		MaxRoundDuration:  Duration{24 * time.Hour},
		MaxTransactions:   1000,
		JackpotPayoutRate: d(0.5),

		ExitPenalty:         d(0.2),
		StressedExitPenalty: d(0.35),
		StressHealth:        d(0.1),

		SeedDeposit:    decimal.NewFromInt(50),
		SeedMultiplier: d(2.0),
		HealthCap:      decimal.NewFromInt(10),
		HistoryLimit:   50,
	}
}

// Normalize clamps values the engine cannot act on to safe bounds. It never
// fails: a caller that sets nonsense gets the nearest sensible policy.
func (c Config) Normalize() Config {
	if !validStrategies[c.Strategy] {
		c.Strategy = StrategyFixed
	}
	if c.BreakEvenProbability < 0 {
		c.BreakEvenProbability = 0
	}
	if c.BreakEvenProbability > MaxBreakEvenProbability {
		c.BreakEvenProbability = MaxBreakEvenProbability
	}
	if c.MinMultiplier.GreaterThan(c.MaxMultiplier) {
		c.MinMultiplier, c.MaxMultiplier = c.MaxMultiplier, c.MinMultiplier
	}
	if c.DecayRate < 0 {
		c.DecayRate = 0
	}
	if c.DecayMinReduction.GreaterThan(c.DecayMaxReduction) {
		c.DecayMinReduction = c.DecayMaxReduction
	}
	c.YieldSplit = clampUnit(c.YieldSplit)
	c.TailShare = clampUnit(c.TailShare)
	c.SurchargeJackpotShare = clampUnit(c.SurchargeJackpotShare)
	c.JackpotPayoutRate = clampUnit(c.JackpotPayoutRate)
	c.ReinvestRate = clampUnit(c.ReinvestRate)
	c.SlashRate = clampUnit(c.SlashRate)
	c.DripRate = clampUnit(c.DripRate)
	if c.HealthCap.LessThanOrEqual(decimal.Zero) {
		c.HealthCap = decimal.NewFromInt(10)
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.BotMultiplier.LessThanOrEqual(decimal.Zero) {
		c.BotMultiplier = d(2.0)
	}
	if c.SeedMultiplier.LessThanOrEqual(decimal.Zero) {
		c.SeedMultiplier = d(2.0)
	}
	return c
}

func clampUnit(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return v
}

// Load reads a YAML policy file on top of Default. Keys absent from the file
// keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode policy %s: %w", path, err)
	}
	if cfg.Strategy != "" && !validStrategies[cfg.Strategy] {
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, cfg.Strategy)
	}
	cfg.Version = 1
	return cfg.Normalize(), nil
}

// Store owns the live policy. Updates may arrive at any time; readers get a
// value copy so nothing they hold changes underneath them.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg Config) *Store {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	return &Store{cfg: cfg.Normalize()}
}

// Snapshot returns a consistent copy of the current policy.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update replaces the policy and bumps its version. The stored value is
// normalized; the returned copy is what the engine will see next.
func (s *Store) Update(cfg Config) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.Version = s.cfg.Version + 1
	s.cfg = cfg.Normalize()
	return s.cfg
}

// Mutate applies fn to a copy of the current policy and stores the result.
func (s *Store) Mutate(fn func(*Config)) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	fn(&next)
	next.Version = s.cfg.Version + 1
	s.cfg = next.Normalize()
	return s.cfg
}
