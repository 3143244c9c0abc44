// Package round manages the ACTIVE → SETTLED lifecycle of a session: the
// extending expiry timer, the transaction cap, settlement of the jackpot and
// reserve, and restart into the next round.
package round

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/ledger"
	"github.com/atmx/deposit-queue/internal/model"
	"github.com/atmx/deposit-queue/internal/policy"
)

// State of the current round.
type State string

const (
	StateActive  State = "ACTIVE"
	StateSettled State = "SETTLED"
)

// ErrRoundActive is returned when a restart is requested before settlement.
var ErrRoundActive = errors.New("round: round is still active")

// Manager is owned by the engine and shares its lock.
type Manager struct {
	session       string
	round         int
	state         State
	startedAt     time.Time
	expiry        time.Time
	transactions  int
	lastDepositor string
	volume        decimal.Decimal
	logs          []model.RoundLog // oldest first
}

// NewManager returns a manager with no round begun. Call Begin to open
// round 1. The session ID tags every RoundLog so archives from separate
// runs do not collide.
func NewManager(session string) *Manager {
	return &Manager{session: session, state: StateSettled, volume: decimal.Zero}
}

// Begin opens the next round. The initial expiry is RoundDuration from now
// (MaxRoundDuration when unset); with neither set the round has no timer.
func (m *Manager) Begin(now time.Time, cfg policy.Config) {
	m.round++
	m.state = StateActive
	m.startedAt = now
	m.transactions = 0
	m.lastDepositor = ""
	m.volume = decimal.Zero

	initial := cfg.RoundDuration.Duration
	if initial <= 0 {
		initial = cfg.MaxRoundDuration.Duration
	}
	m.expiry = time.Time{}
	if initial > 0 {
		m.expiry = now.Add(initial)
	}
}

// Restart begins round+1. It fails while the current round is active.
func (m *Manager) Restart(now time.Time, cfg policy.Config) error {
	if m.state == StateActive {
		return ErrRoundActive
	}
	m.Begin(now, cfg)
	return nil
}

func (m *Manager) Session() string         { return m.session }
func (m *Manager) Round() int              { return m.round }
func (m *Manager) State() State            { return m.state }
func (m *Manager) Active() bool            { return m.state == StateActive }
func (m *Manager) Expiry() time.Time       { return m.expiry }
func (m *Manager) Transactions() int       { return m.transactions }
func (m *Manager) LastDepositor() string   { return m.lastDepositor }
func (m *Manager) Volume() decimal.Decimal { return m.volume }

// Logs returns a copy of the concluded rounds, oldest first.
func (m *Manager) Logs() []model.RoundLog {
	out := make([]model.RoundLog, len(m.logs))
	copy(out, m.logs)
	return out
}

// Expired reports whether the timer of an active round has run out.
func (m *Manager) Expired(now time.Time) bool {
	return m.Active() && !m.expiry.IsZero() && now.After(m.expiry)
}

// AtCapacity reports whether one more transaction would exceed the cap.
func (m *Manager) AtCapacity(cfg policy.Config) bool {
	return cfg.MaxTransactions > 0 && m.transactions+1 > cfg.MaxTransactions
}

// Accept records an accepted primary deposit:
//
//	expiry = min(expiry + RoundExtension, now + MaxRoundDuration)
//
// An empty depositorID leaves the last depositor unchanged.
func (m *Manager) Accept(now time.Time, depositorID string, amount decimal.Decimal, cfg policy.Config) {
	if !m.expiry.IsZero() {
		next := m.expiry.Add(cfg.RoundExtension.Duration)
		if max := cfg.MaxRoundDuration.Duration; max > 0 {
			if ceiling := now.Add(max); next.After(ceiling) {
				next = ceiling
			}
		}
		m.expiry = next
	}
	m.transactions++
	m.volume = m.volume.Add(amount)
	if depositorID != "" {
		m.lastDepositor = depositorID
	}
}

// Funds are the balances settlement may draw from.
type Funds struct {
	Reserve decimal.Decimal
	Jackpot decimal.Decimal
}

// Settlement is the outcome of closing a round. The positions it lists have
// already been removed from the ledger; the caller records their exits and
// debits Award from the jackpot and Swept from the reserve.
type Settlement struct {
	Log    model.RoundLog
	Winner *model.Position // nil when the last depositor holds no active position
	Award  decimal.Decimal
	Swept  decimal.Decimal
	Closed []*model.Position // every other position, queue order
}

// Settle closes the active round. It reports false, and does nothing, when
// the round is already settled.
//
// The jackpot share goes to the newest active position of the last
// depositor. The reserve is then swept FIFO to bring positions up to their
// principal, and every remaining position is closed.
func (m *Manager) Settle(now time.Time, reason model.TerminationReason, l *ledger.Ledger, funds Funds, cfg policy.Config) (Settlement, bool) {
	if m.state != StateActive {
		return Settlement{}, false
	}
	m.state = StateSettled

	out := Settlement{Award: decimal.Zero, Swept: decimal.Zero}

	if m.lastDepositor != "" {
		if w, ok := l.LastBy(m.lastDepositor); ok {
			l.Remove(w.ID)
			out.Winner = w
			out.Award = funds.Jackpot.Mul(cfg.JackpotPayoutRate)
		}
	}

	remaining := funds.Reserve
	for _, p := range l.Positions() {
		if !remaining.IsPositive() {
			break
		}
		short := p.Deposit.Sub(p.Collected)
		if need := p.Need(); short.GreaterThan(need) {
			short = need
		}
		if !short.IsPositive() {
			continue
		}
		give := decimal.Min(short, remaining)
		p.Collected = p.Collected.Add(give)
		remaining = remaining.Sub(give)
		out.Swept = out.Swept.Add(give)
	}
	out.Closed = l.Drain()
	for _, p := range out.Closed {
		if p.Collected.GreaterThanOrEqual(p.Deposit.Sub(model.Epsilon)) {
			p.Flags.Refunded = true
		}
	}

	out.Log = model.RoundLog{
		SessionID:      m.session,
		Round:          m.round,
		ClosingReserve: funds.Reserve,
		Volume:         m.volume,
		WinnerID:       m.lastDepositor,
		JackpotAward:   out.Award,
		Transactions:   m.transactions,
		Reason:         reason,
		Timestamp:      now,
	}
	if out.Winner == nil {
		out.Log.WinnerID = ""
	}
	m.logs = append(m.logs, out.Log)
	if limit := cfg.HistoryLimit; limit > 0 && len(m.logs) > limit {
		m.logs = m.logs[len(m.logs)-limit:]
	}
	return out, true
}
