// Package model defines the core domain types shared across the deposit queue.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the tolerance used for "fully paid" comparisons.
var Epsilon = decimal.NewFromFloat(0.01)

// Role classifies who originated a position. It is set once at creation.
type Role string

const (
	RoleSeed       Role = "SEED"
	RoleUser       Role = "USER"
	RoleClient     Role = "CLIENT"
	RoleJackpotBot Role = "JACKPOT_BOT"
	RoleReinvest   Role = "REINVEST"
)

// IsSystem reports whether the role belongs to a synthetic system position.
func (r Role) IsSystem() bool {
	return r == RoleSeed || r == RoleJackpotBot
}

// IsParticipant reports whether the role is a user-originated deposit.
func (r Role) IsParticipant() bool {
	return r == RoleUser || r == RoleClient
}

// ExitReason records why a position left the active queue.
type ExitReason string

const (
	ExitPaid       ExitReason = "PAID"
	ExitRefund     ExitReason = "REFUND"
	ExitSlashed    ExitReason = "SLASHED"
	ExitJackpotWin ExitReason = "JACKPOT_WIN"
	ExitEarly      ExitReason = "EARLY_EXIT"
)

// Flags are the boolean markers carried by a position.
type Flags struct {
	Slashed    bool `json:"slashed"`
	FastFilled bool `json:"fast_filled"` // paid in full within its entry tick
	Unlucky    bool `json:"unlucky"`     // forced to break-even
	Reinvest   bool `json:"reinvest"`
	Refunded   bool `json:"refunded"` // reached principal in a settlement sweep
}

// Position is one participant's stake in the queue.
// Invariant: 0 <= Collected <= Target.
type Position struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	DepositorID string          `json:"depositor_id"`
	Deposit     decimal.Decimal `json:"deposit"`
	Target      decimal.Decimal `json:"target"`
	Collected   decimal.Decimal `json:"collected"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	EntryRound  int             `json:"entry_round"`
	EntryTick   int64           `json:"entry_tick"`
	ExitRound   int             `json:"exit_round,omitempty"`
	Flags       Flags           `json:"flags"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Need returns the remaining payout obligation, never negative.
func (p *Position) Need() decimal.Decimal {
	n := p.Target.Sub(p.Collected)
	if n.IsNegative() {
		return decimal.Zero
	}
	return n
}

// Settled reports whether the position is paid within tolerance.
func (p *Position) Settled() bool {
	return p.Collected.GreaterThanOrEqual(p.Target.Sub(Epsilon))
}

// ExitRecord is an immutable record of a position leaving the queue.
type ExitRecord struct {
	Position  Position        `json:"position"`
	Reason    ExitReason      `json:"reason"`
	Payout    decimal.Decimal `json:"payout"`     // collected + bonus, before any reinvestment
	Bonus     decimal.Decimal `json:"bonus"`      // jackpot award, zero otherwise
	Reinvest  decimal.Decimal `json:"reinvest"`   // portion routed back into the queue
	NetProfit decimal.Decimal `json:"net_profit"` // payout - deposit
	SessionID string          `json:"session_id"`
	Round     int             `json:"round"`
	Tick      int64           `json:"tick"`
	Timestamp time.Time       `json:"timestamp"`
}

// TerminationReason explains why a round settled.
type TerminationReason string

const (
	TerminationTimer    TerminationReason = "TIMER"
	TerminationCap      TerminationReason = "CAP_REACHED"
	TerminationOperator TerminationReason = "OPERATOR"
)

// RoundLog is an append-only record of a concluded round.
type RoundLog struct {
	SessionID      string            `json:"session_id" db:"session_id"`
	Round          int               `json:"round" db:"round"`
	ClosingReserve decimal.Decimal   `json:"closing_reserve" db:"closing_reserve"`
	Volume         decimal.Decimal   `json:"volume" db:"volume"`
	WinnerID       string            `json:"winner_id" db:"winner_id"`
	JackpotAward   decimal.Decimal   `json:"jackpot_award" db:"jackpot_award"`
	Transactions   int               `json:"transactions" db:"transactions"`
	Reason         TerminationReason `json:"reason" db:"reason"`
	Timestamp      time.Time         `json:"timestamp" db:"timestamp"`
}

// Snapshot is the read-only statistics view published after every mutation.
type Snapshot struct {
	Tick              int64           `json:"tick"`
	Round             int             `json:"round"`
	RoundState        string          `json:"round_state"`
	RoundExpiry       time.Time       `json:"round_expiry"`
	RoundTransactions int             `json:"round_transactions"`
	LastDepositor     string          `json:"last_depositor"`
	TotalDeposited    decimal.Decimal `json:"total_deposited"`
	ProtocolReserve   decimal.Decimal `json:"protocol_reserve"`
	JackpotReserve    decimal.Decimal `json:"jackpot_reserve"`
	PendingReinvest   decimal.Decimal `json:"pending_reinvest"`
	PaidOut           decimal.Decimal `json:"paid_out"`
	ExitCredits       decimal.Decimal `json:"exit_credits"` // early-exit refunds the reserve could not fund
	ActiveCollected   decimal.Decimal `json:"active_collected"`
	Liability         decimal.Decimal `json:"liability"`
	HealthFactor      decimal.Decimal `json:"health_factor"`
	QueueLength       int             `json:"queue_length"`
	CurrentMultiplier decimal.Decimal `json:"current_multiplier"`
	Strategy          string          `json:"strategy"`
	PolicyVersion     int             `json:"policy_version"`
	RetiredCount      int             `json:"retired_count"`
	RetiredValue      decimal.Decimal `json:"retired_value"`
	Queue             []Position      `json:"queue"`
	RecentExits       []ExitRecord    `json:"recent_exits"`
	Rounds            []RoundLog      `json:"rounds"`
	TakenAt           time.Time       `json:"taken_at"`
}
