// Package distribution allocates a pool of funds across an ordered queue of
// positions. Every allocation is capped at the recipient's remaining need,
// so Collected never exceeds Target, and every function returns exactly the
// part of the pool it did not spend.
package distribution

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/model"
)

// Allocation records how much one position received.
type Allocation struct {
	PositionID string
	Amount     decimal.Decimal
}

// Result summarises one distribution pass.
type Result struct {
	Spent       decimal.Decimal
	Leftover    decimal.Decimal
	Allocations []Allocation
}

// HeadFill walks the queue in insertion order and satisfies each position's
// remaining need in full before moving to the next. It stops when the pool
// is exhausted or the queue ends.
func HeadFill(pool decimal.Decimal, queue []*model.Position) Result {
	res := Result{Spent: decimal.Zero, Leftover: pool}
	if !pool.IsPositive() {
		res.Leftover = decimal.Zero
		return res
	}
	for _, p := range queue {
		if !res.Leftover.IsPositive() {
			break
		}
		need := p.Need()
		if !need.IsPositive() {
			continue
		}
		give := decimal.Min(res.Leftover, need)
		credit(p, give, &res)
	}
	return res
}

// EqualSplit divides the pool equally across the given positions, capping
// each share at the recipient's need. Unspent shares are returned as
// leftover rather than redistributed.
func EqualSplit(pool decimal.Decimal, recipients []*model.Position) Result {
	if !pool.IsPositive() {
		return Result{Spent: decimal.Zero, Leftover: decimal.Zero}
	}
	res := Result{Spent: decimal.Zero, Leftover: pool}
	if len(recipients) == 0 {
		return res
	}
	share := pool.Div(decimal.NewFromInt(int64(len(recipients))))
	for _, p := range recipients {
		need := p.Need()
		if !need.IsPositive() {
			continue
		}
		give := decimal.Min(share, need, res.Leftover)
		if !give.IsPositive() {
			continue
		}
		credit(p, give, &res)
	}
	return res
}

// YieldSplit takes fraction of the pool and splits it equally across the
// existing queue. The caller passes the queue as it was before the new
// position was appended. The returned leftover is the head-fill pool: the
// untouched part plus whatever the capped shares could not absorb.
func YieldSplit(pool, fraction decimal.Decimal, existing []*model.Position) Result {
	if !fraction.IsPositive() || len(existing) == 0 {
		return Result{Spent: decimal.Zero, Leftover: pool}
	}
	yield := pool.Mul(fraction)
	res := EqualSplit(yield, existing)
	res.Leftover = pool.Sub(res.Spent)
	return res
}

// TailSplit reserves share of the pool for the last count positions (by
// insertion order), splits it equally among them, then head-fills the rest.
// Keeps the back of the queue from starving when reserves are flushed.
func TailSplit(pool, share decimal.Decimal, count int, queue []*model.Position) Result {
	if !share.IsPositive() || count <= 0 || len(queue) == 0 {
		return HeadFill(pool, queue)
	}
	if count > len(queue) {
		count = len(queue)
	}
	tail := EqualSplit(pool.Mul(share), queue[len(queue)-count:])
	head := HeadFill(pool.Sub(tail.Spent), queue)
	return Result{
		Spent:       tail.Spent.Add(head.Spent),
		Leftover:    head.Leftover,
		Allocations: append(tail.Allocations, head.Allocations...),
	}
}

// Liability is the sum of remaining need across the queue.
func Liability(queue []*model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range queue {
		total = total.Add(p.Need())
	}
	return total
}

func credit(p *model.Position, amount decimal.Decimal, res *Result) {
	p.Collected = p.Collected.Add(amount)
	res.Spent = res.Spent.Add(amount)
	res.Leftover = res.Leftover.Sub(amount)
	res.Allocations = append(res.Allocations, Allocation{PositionID: p.ID, Amount: amount})
}
