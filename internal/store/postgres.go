package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/model"
)

// Schema creates the archive tables. Monetary columns are NUMERIC.
const Schema = `
CREATE TABLE IF NOT EXISTS round_logs (
	session_id      TEXT        NOT NULL,
	round           INTEGER     NOT NULL,
	closing_reserve NUMERIC     NOT NULL,
	volume          NUMERIC     NOT NULL,
	winner_id       TEXT        NOT NULL DEFAULT '',
	jackpot_award   NUMERIC     NOT NULL,
	transactions    INTEGER     NOT NULL,
	reason          TEXT        NOT NULL,
	settled_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, round)
);

CREATE TABLE IF NOT EXISTS exit_records (
	position_id  TEXT PRIMARY KEY,
	session_id   TEXT        NOT NULL,
	round        INTEGER     NOT NULL,
	tick         BIGINT      NOT NULL,
	role         TEXT        NOT NULL,
	depositor_id TEXT        NOT NULL,
	deposit      NUMERIC     NOT NULL,
	target       NUMERIC     NOT NULL,
	collected    NUMERIC     NOT NULL,
	multiplier   NUMERIC     NOT NULL,
	entry_round  INTEGER     NOT NULL,
	entry_tick   BIGINT      NOT NULL,
	flags        JSONB       NOT NULL,
	reason       TEXT        NOT NULL,
	payout       NUMERIC     NOT NULL,
	bonus        NUMERIC     NOT NULL,
	reinvest     NUMERIC     NOT NULL,
	net_profit   NUMERIC     NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	exited_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS exit_records_depositor_idx ON exit_records (depositor_id, exited_at DESC);
`

// pgErrUniqueViolation is the PostgreSQL unique_violation code.
const pgErrUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Migrate applies Schema. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate archive schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRound(ctx context.Context, r model.RoundLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO round_logs (session_id, round, closing_reserve, volume, winner_id, jackpot_award, transactions, reason, settled_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7, $8, $9)`,
		r.SessionID, r.Round,
		r.ClosingReserve.String(), r.Volume.String(),
		r.WinnerID, r.JackpotAward.String(),
		r.Transactions, string(r.Reason), r.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert round %s/%d: %w", r.SessionID, r.Round, err)
	}
	return nil
}

const roundColumns = `session_id, round, closing_reserve::TEXT, volume::TEXT, winner_id,
	jackpot_award::TEXT, transactions, reason, settled_at`

func (s *PostgresStore) GetRound(ctx context.Context, sessionID string, round int) (*model.RoundLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM round_logs WHERE session_id = $1 AND round = $2`,
		sessionID, round)
	r, err := scanRound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get round %s/%d: %w", sessionID, round, err)
	}
	return r, nil
}

func (s *PostgresStore) ListRounds(ctx context.Context, limit int) ([]model.RoundLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundColumns+` FROM round_logs ORDER BY settled_at DESC, round DESC LIMIT $1`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var out []model.RoundLog
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveExit(ctx context.Context, rec model.ExitRecord) error {
	p := rec.Position
	flags, err := json.Marshal(p.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO exit_records (
			position_id, session_id, round, tick, role, depositor_id,
			deposit, target, collected, multiplier, entry_round, entry_tick, flags,
			reason, payout, bonus, reinvest, net_profit, created_at, exited_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13,
			$14, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19, $20
		)`,
		p.ID, rec.SessionID, rec.Round, rec.Tick, string(p.Role), p.DepositorID,
		p.Deposit.String(), p.Target.String(), p.Collected.String(), p.Multiplier.String(),
		p.EntryRound, p.EntryTick, flags,
		string(rec.Reason), rec.Payout.String(), rec.Bonus.String(), rec.Reinvest.String(), rec.NetProfit.String(),
		p.CreatedAt, rec.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert exit %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListExits(ctx context.Context, f ExitFilter) ([]model.ExitRecord, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.DepositorID != "" {
		add("depositor_id = $%d", f.DepositorID)
	}
	if f.Reason != "" {
		add("reason = $%d", string(f.Reason))
	}

	query := `SELECT position_id, session_id, round, tick, role, depositor_id,
	                 deposit::TEXT, target::TEXT, collected::TEXT, multiplier::TEXT,
	                 entry_round, entry_tick, flags,
	                 reason, payout::TEXT, bonus::TEXT, reinvest::TEXT, net_profit::TEXT,
	                 created_at, exited_at
	          FROM exit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY exited_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exits: %w", err)
	}
	defer rows.Close()

	var out []model.ExitRecord
	for rows.Next() {
		var rec model.ExitRecord
		var role, reason string
		var deposit, target, collected, mult, payout, bonus, reinvest, net string
		var flags []byte
		p := &rec.Position
		if err := rows.Scan(
			&p.ID, &rec.SessionID, &rec.Round, &rec.Tick, &role, &p.DepositorID,
			&deposit, &target, &collected, &mult,
			&p.EntryRound, &p.EntryTick, &flags,
			&reason, &payout, &bonus, &reinvest, &net,
			&p.CreatedAt, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan exit: %w", err)
		}
		p.Role = model.Role(role)
		p.ExitRound = rec.Round
		rec.Reason = model.ExitReason(reason)
		if err := json.Unmarshal(flags, &p.Flags); err != nil {
			return nil, fmt.Errorf("decode flags for %s: %w", p.ID, err)
		}
		p.Deposit, _ = decimal.NewFromString(deposit)
		p.Target, _ = decimal.NewFromString(target)
		p.Collected, _ = decimal.NewFromString(collected)
		p.Multiplier, _ = decimal.NewFromString(mult)
		rec.Payout, _ = decimal.NewFromString(payout)
		rec.Bonus, _ = decimal.NewFromString(bonus)
		rec.Reinvest, _ = decimal.NewFromString(reinvest)
		rec.NetProfit, _ = decimal.NewFromString(net)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRound(row pgx.Row) (*model.RoundLog, error) {
	var r model.RoundLog
	var reserve, volume, award, reason string
	if err := row.Scan(&r.SessionID, &r.Round, &reserve, &volume, &r.WinnerID,
		&award, &r.Transactions, &reason, &r.Timestamp); err != nil {
		return nil, err
	}
	r.ClosingReserve, _ = decimal.NewFromString(reserve)
	r.Volume, _ = decimal.NewFromString(volume)
	r.JackpotAward, _ = decimal.NewFromString(award)
	r.Reason = model.TerminationReason(reason)
	return &r, nil
}

// isDuplicateKeyError checks if err is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
