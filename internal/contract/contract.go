// Package contract renders the illustrative on-chain version of the queue:
// a Solidity-style source listing parameterised with the live policy. The
// text is documentary only; nothing here is compiled or executed.
package contract

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/policy"
)

// Contract is a rendered reference listing.
type Contract struct {
	Name     string `json:"name"`     // DQ-{STRATEGY}-V{policy version}
	Strategy string `json:"strategy"`
	Version  int    `json:"version"`
	Source   string `json:"source"`
}

// Basis points are how the listing expresses rates.
func bps(rate decimal.Decimal) string {
	return rate.Mul(decimal.NewFromInt(10000)).Round(0).String()
}

// wad renders a multiplier as an 18-decimal fixed-point integer.
func wad(m decimal.Decimal) string {
	return m.Shift(18).Truncate(0).String()
}

var tmpl = template.Must(template.New("queue").Funcs(template.FuncMap{
	"bps": bps,
	"wad": wad,
	"seconds": func(d policy.Duration) int64 {
		return int64(d.Seconds())
	},
}).Parse(`// SPDX-License-Identifier: UNLICENSED
// Reference listing for {{.Name}}. Illustrative only.
pragma solidity ^0.8.24;

contract DepositQueue {
    uint256 public constant FEE_BPS = {{bps .Cfg.FeeRate}};
    uint256 public constant SURCHARGE_THRESHOLD = {{.Cfg.SurchargeThreshold}};
    uint256 public constant SURCHARGE_BPS = {{bps .Cfg.SurchargeRate}};
    uint256 public constant MAX_DEPOSIT = {{.Cfg.MaxDeposit}};
    uint256 public constant MULTIPLIER_WAD = {{wad .Cfg.BaseMultiplier}};
    uint256 public constant MIN_MULTIPLIER_WAD = {{wad .Cfg.MinMultiplier}};
    uint256 public constant MAX_MULTIPLIER_WAD = {{wad .Cfg.MaxMultiplier}};
    uint256 public constant EXIT_PENALTY_BPS = {{bps .Cfg.ExitPenalty}};
    uint256 public constant STRESSED_EXIT_PENALTY_BPS = {{bps .Cfg.StressedExitPenalty}};
    uint256 public constant ROUND_EXTENSION = {{seconds .Cfg.RoundExtension}};
    uint256 public constant MAX_ROUND_DURATION = {{seconds .Cfg.MaxRoundDuration}};
    uint256 public constant MAX_TRANSACTIONS = {{.Cfg.MaxTransactions}};
    uint256 public constant JACKPOT_PAYOUT_BPS = {{bps .Cfg.JackpotPayoutRate}};

    struct Position {
        address owner;
        uint256 deposit;
        uint256 target;
        uint256 collected;
    }

    Position[] public queue;
    uint256 public head;
    uint256 public reserve;
    uint256 public jackpot;
    uint256 public roundExpiry;
    uint256 public roundTransactions;
    address public lastDepositor;

    function deposit() external payable {
        require(msg.value > 0, "zero deposit");
        require(block.timestamp <= roundExpiry, "round over");
        require(roundTransactions < MAX_TRANSACTIONS, "round full");
        uint256 amount = msg.value > MAX_DEPOSIT ? MAX_DEPOSIT : msg.value;

        uint256 fee = amount * FEE_BPS / 10_000;
        reserve += fee;
        uint256 pool = amount - fee;
{{- if .Cfg.SurchargeThreshold.IsPositive}}
        if (amount > SURCHARGE_THRESHOLD) {
            uint256 surcharge = amount * SURCHARGE_BPS / 10_000;
            jackpot += surcharge * {{bps .Cfg.SurchargeJackpotShare}} / 10_000;
            reserve += surcharge - surcharge * {{bps .Cfg.SurchargeJackpotShare}} / 10_000;
            pool -= surcharge;
        }
{{- end}}

        queue.push(Position(msg.sender, amount, amount * MULTIPLIER_WAD / 1e18, 0));

        while (pool > 0 && head < queue.length) {
            Position storage p = queue[head];
            uint256 need = p.target - p.collected;
            uint256 give = pool < need ? pool : need;
            p.collected += give;
            pool -= give;
            if (p.collected == p.target) {
                payable(p.owner).transfer(p.target);
                head++;
            }
        }
        reserve += pool;

        uint256 extended = roundExpiry + ROUND_EXTENSION;
        uint256 ceiling = block.timestamp + MAX_ROUND_DURATION;
        roundExpiry = extended < ceiling ? extended : ceiling;
        roundTransactions++;
        lastDepositor = msg.sender;
    }
}
`))

// Build renders the listing for cfg.
func Build(cfg policy.Config) (*Contract, error) {
	name := Name(cfg)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		Name string
		Cfg  policy.Config
	}{name, cfg}); err != nil {
		return nil, fmt.Errorf("contract: render %s: %w", name, err)
	}
	return &Contract{
		Name:     name,
		Strategy: cfg.Strategy,
		Version:  cfg.Version,
		Source:   buf.String(),
	}, nil
}

// Name identifies a listing by strategy and policy version.
func Name(cfg policy.Config) string {
	return fmt.Sprintf("DQ-%s-V%d", strings.ToUpper(cfg.Strategy), cfg.Version)
}
