// Package ledger holds the ordered queue of active positions and the bounded
// history of positions that have left it.
//
// Insertion order is payout priority. The only permitted reordering is the
// removal of identified elements, which keeps the remainder in order.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/deposit-queue/internal/distribution"
	"github.com/atmx/deposit-queue/internal/model"
)

// DefaultHistoryLimit caps the exit history when no limit is configured.
const DefaultHistoryLimit = 50

// Ledger is not safe for concurrent use; the engine owns it.
type Ledger struct {
	active  []*model.Position
	history []model.ExitRecord // most recent first
	limit   int
}

// New creates an empty ledger keeping at most limit exit records.
func New(limit int) *Ledger {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Ledger{limit: limit}
}

// Append enqueues p at the back of the queue.
func (l *Ledger) Append(p *model.Position) {
	l.active = append(l.active, p)
}

// Positions returns the live queue. Callers inside the engine may mutate
// Collected/Target on the elements but must not reorder the slice.
func (l *Ledger) Positions() []*model.Position {
	return l.active
}

// Len returns the number of active positions.
func (l *Ledger) Len() int {
	return len(l.active)
}

// Find returns the active position with the given ID.
func (l *Ledger) Find(id string) (*model.Position, bool) {
	for _, p := range l.active {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// LastBy returns the newest active position belonging to depositorID.
func (l *Ledger) LastBy(depositorID string) (*model.Position, bool) {
	for i := len(l.active) - 1; i >= 0; i-- {
		if l.active[i].DepositorID == depositorID {
			return l.active[i], true
		}
	}
	return nil, false
}

// Remove deletes the position with the given ID, keeping the order of the
// remaining positions.
func (l *Ledger) Remove(id string) (*model.Position, bool) {
	for i, p := range l.active {
		if p.ID == id {
			l.active = append(l.active[:i], l.active[i+1:]...)
			return p, true
		}
	}
	return nil, false
}

// RemoveWhere deletes every position matching fn in a single pass and
// returns them in queue order.
func (l *Ledger) RemoveWhere(fn func(*model.Position) bool) []*model.Position {
	var removed []*model.Position
	kept := l.active[:0]
	for _, p := range l.active {
		if fn(p) {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(l.active); i++ {
		l.active[i] = nil
	}
	l.active = kept
	return removed
}

// Drain empties the queue and returns its former contents in order.
func (l *Ledger) Drain() []*model.Position {
	out := l.active
	l.active = nil
	return out
}

// Record pushes an exit onto the front of the history, dropping the oldest
// entry once the limit is reached.
func (l *Ledger) Record(rec model.ExitRecord) {
	l.history = append(l.history, model.ExitRecord{})
	copy(l.history[1:], l.history)
	l.history[0] = rec
	if len(l.history) > l.limit {
		l.history = l.history[:l.limit]
	}
}

// SetHistoryLimit changes the cap, truncating if needed.
func (l *Ledger) SetHistoryLimit(limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	l.limit = limit
	if len(l.history) > limit {
		l.history = l.history[:limit]
	}
}

// History returns a copy of the exit history, most recent first.
func (l *Ledger) History() []model.ExitRecord {
	out := make([]model.ExitRecord, len(l.history))
	copy(out, l.history)
	return out
}

// Head returns value copies of the first n active positions.
func (l *Ledger) Head(n int) []model.Position {
	if n <= 0 || n > len(l.active) {
		n = len(l.active)
	}
	out := make([]model.Position, n)
	for i := 0; i < n; i++ {
		out[i] = *l.active[i]
	}
	return out
}

// Liability is the total remaining need of the queue.
func (l *Ledger) Liability() decimal.Decimal {
	return distribution.Liability(l.active)
}

// Collected is the total already paid to active positions.
func (l *Ledger) Collected() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.active {
		total = total.Add(p.Collected)
	}
	return total
}
