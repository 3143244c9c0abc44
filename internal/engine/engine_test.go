package engine_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/deposit-queue/internal/engine"
	"github.com/atmx/deposit-queue/internal/model"
	"github.com/atmx/deposit-queue/internal/policy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

// quietPolicy is a fixed 2x queue with no fees and no periodic events.
func quietPolicy() policy.Config {
	cfg := policy.Default()
	cfg.FeeRate = decimal.Zero
	cfg.SlashEnabled = false
	cfg.DripEvery = 0
	cfg.BotEvery = 0
	cfg.MaxTransactions = 0
	cfg.CriticalHealth = decimal.Zero
	cfg.RoundDuration = policy.Duration{Duration: time.Hour}
	return cfg
}

func newEngine(t *testing.T, mutate func(*policy.Config)) (*engine.Engine, *clock) {
	t.Helper()
	cfg := quietPolicy()
	if mutate != nil {
		mutate(&cfg)
	}
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := engine.New(engine.Options{
		Policy: policy.NewStore(cfg),
		Rand:   rand.New(rand.NewSource(7)),
		Clock:  c.Now,
	})
	return e, c
}

func deposit(t *testing.T, e *engine.Engine, who string, amount float64) model.Position {
	t.Helper()
	p, err := e.SubmitDeposit(engine.Deposit{Amount: d(amount), DepositorID: who})
	require.NoError(t, err)
	return p
}

func requireConserved(t *testing.T, s model.Snapshot) {
	t.Helper()
	in := s.TotalDeposited.Add(s.ExitCredits)
	out := s.ActiveCollected.
		Add(s.PaidOut).
		Add(s.ProtocolReserve).
		Add(s.JackpotReserve).
		Add(s.PendingReinvest)
	require.Truef(t, in.Equal(out), "funds not conserved: in %s, out %s", in, out)
	require.False(t, s.ProtocolReserve.IsNegative(), "reserve went negative")
}

func TestNew_SeedsQueue(t *testing.T) {
	e, _ := newEngine(t, nil)
	s := e.Snapshot()

	require.Equal(t, 1, s.Round)
	require.Equal(t, "ACTIVE", s.RoundState)
	require.Equal(t, 1, s.QueueLength)
	seed := s.Queue[0]
	require.Equal(t, model.RoleSeed, seed.Role)
	require.True(t, seed.Target.Equal(d(100)))
	require.True(t, seed.Collected.Equal(d(50)))
	requireConserved(t, s)
}

func TestBasicFIFO(t *testing.T) {
	e, _ := newEngine(t, nil)

	p := deposit(t, e, "alice", 60)
	require.True(t, p.Target.Equal(d(120)))

	s := e.Snapshot()
	require.Equal(t, 1, s.QueueLength, "seed retires, new entrant stays")
	require.Equal(t, p.ID, s.Queue[0].ID)
	require.True(t, s.Queue[0].Collected.Equal(d(10)))

	require.Len(t, s.RecentExits, 1)
	seed := s.RecentExits[0]
	require.Equal(t, model.ExitPaid, seed.Reason)
	require.True(t, seed.Payout.Equal(d(100)))
	require.True(t, seed.NetProfit.Equal(d(50)))
	require.Equal(t, 1, s.RetiredCount)
	requireConserved(t, s)
}

func TestFeeRouting(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) { c.FeeRate = d(0.05) })

	before := e.Snapshot().ProtocolReserve
	deposit(t, e, "alice", 1000)
	s := e.Snapshot()

	require.True(t, s.ProtocolReserve.Sub(before).Equal(d(50)), "reserve gained %s", s.ProtocolReserve.Sub(before))
	require.True(t, s.Queue[0].Collected.Equal(d(900)), "950 net minus the seed's 50")
	requireConserved(t, s)
}

func TestSurchargeSplit(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.FeeRate = d(0.05)
		c.SurchargeThreshold = d(500)
		c.SurchargeRate = d(0.1)
		c.SurchargeJackpotShare = d(0.5)
	})

	deposit(t, e, "small", 400)
	s := e.Snapshot()
	require.True(t, s.JackpotReserve.IsZero(), "no surcharge below threshold")
	require.True(t, s.ProtocolReserve.Equal(d(20)))

	deposit(t, e, "whale", 1000)
	s = e.Snapshot()
	require.True(t, s.JackpotReserve.Equal(d(50)))
	require.True(t, s.ProtocolReserve.Equal(d(120)), "20 + fee 50 + surcharge 50, got %s", s.ProtocolReserve)
	requireConserved(t, s)
}

func TestMaxDepositClamp(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) { c.MaxDeposit = d(500) })
	p := deposit(t, e, "alice", 2000)
	require.True(t, p.Deposit.Equal(d(500)))
	require.True(t, e.Snapshot().TotalDeposited.Equal(d(550)))
}

func TestInvalidDepositsLeaveStateUntouched(t *testing.T) {
	e, _ := newEngine(t, nil)
	before := e.Snapshot()

	_, err := e.SubmitDeposit(engine.Deposit{Amount: decimal.Zero, DepositorID: "x"})
	require.ErrorIs(t, err, engine.ErrInvalidAmount)
	_, err = e.SubmitDeposit(engine.Deposit{Amount: d(-5), DepositorID: "x"})
	require.ErrorIs(t, err, engine.ErrInvalidAmount)
	_, err = e.SubmitDeposit(engine.Deposit{Amount: d(5), Role: model.RoleJackpotBot})
	require.ErrorIs(t, err, engine.ErrInvalidRole)

	after := e.Snapshot()
	require.Equal(t, before.Tick, after.Tick)
	require.True(t, before.TotalDeposited.Equal(after.TotalDeposited))
}

func TestSlashing(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.SlashEnabled = true
		c.SlashEvery = 2
		c.WhaleThreshold = d(900)
		c.SlashRate = d(0.2)
		c.SlashVictims = 10
	})

	whale := deposit(t, e, "whale", 1000) // tick 1: 950 of 2000
	deposit(t, e, "minnow", 10)           // tick 2: slash fires first

	s := e.Snapshot()
	var got model.Position
	for _, p := range s.Queue {
		if p.ID == whale.ID {
			got = p
		}
	}
	require.True(t, got.Flags.Slashed)
	require.True(t, got.Target.Equal(d(1600)), "target %s", got.Target)
	require.True(t, got.Collected.Equal(d(960)))

	deposit(t, e, "minnow2", 640) // tick 3: exactly fills the whale
	s = e.Snapshot()
	require.Equal(t, model.ExitSlashed, s.RecentExits[0].Reason)
	require.Equal(t, whale.ID, s.RecentExits[0].Position.ID)
	requireConserved(t, s)
}

func TestDripReleasesReserve(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.FeeRate = d(0.1)
		c.DripEvery = 2
		c.DripRate = d(0.5)
	})

	deposit(t, e, "alice", 100) // fee 10; alice 40 of 200
	before := e.Snapshot()
	require.True(t, before.ProtocolReserve.Equal(d(10)))

	deposit(t, e, "bob", 100) // tick 2: drip 5 to alice, then fee 10
	s := e.Snapshot()
	require.True(t, s.ProtocolReserve.Equal(d(15)), "reserve %s", s.ProtocolReserve)
	require.True(t, s.Queue[0].Collected.Equal(d(135)), "alice got 5 + 90")
	requireConserved(t, s)
}

func TestJackpotBot(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.BotEvery = 2
		c.BotDeposit = d(100)
		c.BotMultiplier = d(2)
	})

	deposit(t, e, "u1", 100)
	deposit(t, e, "u2", 100)

	s := e.Snapshot()
	var bots int
	for _, p := range s.Queue {
		if p.Role == model.RoleJackpotBot {
			bots++
			require.True(t, p.Target.Equal(d(200)))
		}
	}
	require.Equal(t, 1, bots)

	deposit(t, e, "u3", 400) // fills u2 and the bot
	s = e.Snapshot()
	require.True(t, s.JackpotReserve.Equal(d(100)), "bot profit goes to the jackpot, got %s", s.JackpotReserve)
	requireConserved(t, s)
}

func TestReinvestDrainsOnNextTick(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) { c.ReinvestRate = d(0.5) })

	deposit(t, e, "alice", 100) // alice 50 of 200
	deposit(t, e, "bob", 200)   // alice retires, 100 queued
	s := e.Snapshot()
	require.True(t, s.PendingReinvest.Equal(d(100)))
	require.True(t, s.RecentExits[0].Reinvest.Equal(d(100)))
	require.Equal(t, 1, s.QueueLength, "reinvestment must not be placed in the same tick")
	requireConserved(t, s)

	deposit(t, e, "carol", 10)
	s = e.Snapshot()
	require.True(t, s.PendingReinvest.IsZero())
	require.Equal(t, 3, s.QueueLength)
	re := s.Queue[1]
	require.Equal(t, model.RoleReinvest, re.Role)
	require.Equal(t, "alice", re.DepositorID)
	require.True(t, re.Flags.Reinvest)
	require.True(t, s.Queue[0].Collected.Equal(d(160)))
	require.True(t, s.TotalDeposited.Equal(d(360)), "reinvestment is not new inflow")
	requireConserved(t, s)
}

func TestRoundCap(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) { c.MaxTransactions = 3 })

	for i := 0; i < 3; i++ {
		deposit(t, e, "u", 10)
	}
	_, err := e.SubmitDeposit(engine.Deposit{Amount: d(10), DepositorID: "late"})
	require.ErrorIs(t, err, engine.ErrRoundClosed)

	s := e.Snapshot()
	require.Equal(t, "SETTLED", s.RoundState)
	require.Len(t, s.Rounds, 1)
	require.Equal(t, model.TerminationCap, s.Rounds[0].Reason)
	require.Equal(t, 3, s.Rounds[0].Transactions)
	require.Equal(t, 0, s.QueueLength)
	requireConserved(t, s)

	_, err = e.SubmitDeposit(engine.Deposit{Amount: d(10), DepositorID: "later"})
	require.ErrorIs(t, err, engine.ErrRoundClosed)

	require.NoError(t, e.RestartRound())
	deposit(t, e, "fresh", 10)
	s = e.Snapshot()
	require.Equal(t, 2, s.Round)
	require.Equal(t, 1, s.RoundTransactions)
	requireConserved(t, s)
}

func TestPollSettlesOnTimer(t *testing.T) {
	e, c := newEngine(t, func(c *policy.Config) {
		c.RoundDuration = policy.Duration{Duration: time.Minute}
		c.RoundExtension = policy.Duration{Duration: 30 * time.Second}
	})
	deposit(t, e, "alice", 10)
	require.ErrorIs(t, e.RestartRound(), engine.ErrRoundActive)

	require.False(t, e.Poll(c.now.Add(80*time.Second)), "extension keeps the round alive")
	require.True(t, e.Poll(c.now.Add(91*time.Second)))
	require.False(t, e.Poll(c.now.Add(time.Hour)), "settlement runs once")

	s := e.Snapshot()
	require.Equal(t, model.TerminationTimer, s.Rounds[0].Reason)
}

func TestSettlementJackpotAndIdempotence(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.SurchargeThreshold = d(100)
		c.SurchargeRate = d(0.1)
		c.SurchargeJackpotShare = d(1)
		c.JackpotPayoutRate = d(0.5)
	})
	deposit(t, e, "alice", 1000) // jackpot 100; alice 850 of 2000
	bob := deposit(t, e, "bob", 200)

	log, ok := e.Settle(model.TerminationOperator)
	require.True(t, ok)
	require.Equal(t, "bob", log.WinnerID)
	require.True(t, log.JackpotAward.Equal(d(60)))

	s := e.Snapshot()
	require.True(t, s.JackpotReserve.Equal(d(60)))
	require.Equal(t, 0, s.QueueLength)

	var win, refund *model.ExitRecord
	for i := range s.RecentExits {
		switch s.RecentExits[i].Reason {
		case model.ExitJackpotWin:
			win = &s.RecentExits[i]
		case model.ExitRefund:
			refund = &s.RecentExits[i]
		}
	}
	require.NotNil(t, win)
	require.Equal(t, bob.ID, win.Position.ID)
	require.True(t, win.Bonus.Equal(d(60)))
	require.NotNil(t, refund)
	require.True(t, refund.Position.Flags.Refunded, "alice already holds more than principal")
	requireConserved(t, s)

	_, ok = e.Settle(model.TerminationOperator)
	require.False(t, ok)
	again := e.Snapshot()
	require.True(t, again.JackpotReserve.Equal(s.JackpotReserve))
	require.True(t, again.PaidOut.Equal(s.PaidOut))
	require.Len(t, again.Rounds, 1)
}

func TestEmergencyWithdrawUnderStress(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.FeeRate = d(0.2)
		c.BaseMultiplier = d(10)
		c.ExitPenalty = d(0.2)
		c.StressedExitPenalty = d(0.35)
		c.StressHealth = d(0.1)
	})
	deposit(t, e, "x", 1000)
	a := deposit(t, e, "a", 1000)

	s := e.Snapshot()
	require.True(t, s.HealthFactor.LessThan(d(0.1)), "health %s", s.HealthFactor)

	rec, err := e.EmergencyWithdraw(a.ID)
	require.NoError(t, err)
	require.Equal(t, model.ExitEarly, rec.Reason)
	require.True(t, rec.Payout.Equal(d(650)), "payout %s", rec.Payout)
	require.True(t, rec.NetProfit.Equal(d(-350)))

	s = e.Snapshot()
	// The reserve held 400 against a 650 refund.
	require.True(t, s.ProtocolReserve.IsZero())
	require.True(t, s.ExitCredits.Equal(d(250)), "exit credits %s", s.ExitCredits)
	require.Equal(t, 1, s.QueueLength)
	requireConserved(t, s)
}

func TestEmergencyWithdrawBaselineRate(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.ExitPenalty = d(0.2)
		c.StressHealth = decimal.Zero
	})
	p := deposit(t, e, "alice", 100) // alice 50 of 200

	rec, err := e.EmergencyWithdraw(p.ID)
	require.NoError(t, err)
	require.True(t, rec.Payout.Equal(d(80)), "payout %s", rec.Payout)
	require.True(t, rec.Position.Collected.Equal(d(80)))
	require.True(t, rec.NetProfit.Equal(d(-20)))

	s := e.Snapshot()
	require.True(t, s.ProtocolReserve.IsZero())
	require.True(t, s.ExitCredits.Equal(d(30)), "exit credits %s", s.ExitCredits)
	requireConserved(t, s)
}

func TestEmergencyWithdrawForfeitsCollectedAboveRefund(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.ExitPenalty = d(0.2)
		c.StressHealth = decimal.Zero
	})
	a := deposit(t, e, "alice", 100)
	deposit(t, e, "bob", 100) // alice 150 of 200

	rec, err := e.EmergencyWithdraw(a.ID)
	require.NoError(t, err)
	require.True(t, rec.Payout.Equal(d(80)), "payout %s", rec.Payout)
	require.True(t, rec.NetProfit.Equal(d(-20)))

	s := e.Snapshot()
	require.True(t, s.ProtocolReserve.Equal(d(70)), "reserve %s", s.ProtocolReserve)
	require.True(t, s.ExitCredits.IsZero())
	requireConserved(t, s)
}

func TestEmergencyWithdrawRejections(t *testing.T) {
	e, _ := newEngine(t, nil)
	seed := e.Snapshot().Queue[0]

	_, err := e.EmergencyWithdraw("missing")
	require.ErrorIs(t, err, engine.ErrPositionNotFound)
	_, err = e.EmergencyWithdraw(seed.ID)
	require.ErrorIs(t, err, engine.ErrNotWithdrawable)

	p := deposit(t, e, "alice", 10)
	e.Settle(model.TerminationOperator)
	_, err = e.EmergencyWithdraw(p.ID)
	require.ErrorIs(t, err, engine.ErrRoundClosed)
}

func TestConservationUnderMixedTraffic(t *testing.T) {
	e, _ := newEngine(t, func(c *policy.Config) {
		c.FeeRate = d(0.05)
		c.Strategy = policy.StrategyRandom
		c.RandomEvery = 3
		c.BreakEvenProbability = 0.2
		c.YieldSplit = d(0.1)
		c.SlashEnabled = true
		c.SlashEvery = 7
		c.WhaleThreshold = d(200)
		c.DripEvery = 5
		c.TailShare = d(0.3)
		c.TailCount = 3
		c.BotEvery = 11
		c.BotDeposit = d(150)
		c.ReinvestRate = d(0.25)
		c.SurchargeThreshold = d(300)
	})

	rng := rand.New(rand.NewSource(99))
	var ids []string
	for i := 0; i < 120; i++ {
		amount := float64(10 + rng.Intn(500))
		p, err := e.SubmitDeposit(engine.Deposit{Amount: d(amount), DepositorID: "u", Role: model.RoleClient})
		require.NoError(t, err)
		ids = append(ids, p.ID)
		if i%13 == 0 {
			_, _ = e.EmergencyWithdraw(ids[rng.Intn(len(ids))])
		}

		s := e.Snapshot()
		requireConserved(t, s)
		for _, p := range s.Queue {
			require.False(t, p.Collected.GreaterThan(p.Target), "collected above target on %s", p.ID)
			if p.Role == model.RoleClient || p.Role == model.RoleReinvest {
				if !p.Flags.Unlucky {
					require.True(t, p.Multiplier.GreaterThanOrEqual(d(1.1)) && p.Multiplier.LessThanOrEqual(d(2)),
						"multiplier %s out of bounds", p.Multiplier)
				}
			}
		}
	}
}

type tap struct {
	exits  int
	rounds []model.RoundLog
}

func (t *tap) OnExit(model.ExitRecord)    { t.exits++ }
func (t *tap) OnRound(log model.RoundLog) { t.rounds = append(t.rounds, log) }

func TestObserversSeeTimerSettlement(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	archive, live := &tap{}, &tap{}
	e := engine.New(engine.Options{
		Policy:   policy.NewStore(quietPolicy()),
		Rand:     rand.New(rand.NewSource(7)),
		Clock:    c.Now,
		Observer: engine.Observers{archive, live},
	})
	deposit(t, e, "alice", 10)

	c.now = c.now.Add(48 * time.Hour)
	require.True(t, e.Poll(c.now))

	for _, o := range []*tap{archive, live} {
		require.Len(t, o.rounds, 1)
		require.Equal(t, model.TerminationTimer, o.rounds[0].Reason)
		require.Equal(t, "alice", o.rounds[0].WinnerID)
		require.Positive(t, o.exits)
	}
}
