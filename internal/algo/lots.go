package algo

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"volharvest/internal/domain"
)

// LotPolicy selects which lots a sell unwinds first.
type LotPolicy int

const (
	// LIFO unwinds the newest lot first.
	LIFO LotPolicy = iota
	// FIFO unwinds the oldest lot first.
	FIFO
	// Hybrid unwinds long-term lots newest-first, then short-term lots
	// oldest-first.
	Hybrid
)

// LongTermHolding is the holding period after which a lot counts as
// long-term for the Hybrid policy.
const LongTermHolding = 365 * 24 * time.Hour

func (p LotPolicy) String() string {
	switch p {
	case LIFO:
		return "lifo"
	case FIFO:
		return "fifo"
	case Hybrid:
		return "hybrid"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParseLotPolicy accepts "lifo", "fifo" or "hybrid". The empty string is
// LIFO.
func ParseLotPolicy(s string) (LotPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lifo":
		return LIFO, nil
	case "fifo":
		return FIFO, nil
	case "hybrid":
		return Hybrid, nil
	}
	return LIFO, fmt.Errorf("unknown lot policy %q", s)
}

// Fragment is the part of one lot consumed by a sell, with the profit it
// realized.
type Fragment struct {
	Lot    domain.Lot // Quantity is the consumed quantity
	Profit float64
}

// Stack is the buyback lot stack. The zero value is an empty LIFO stack.
type Stack struct {
	policy LotPolicy
	lots   []domain.Lot
	depth  int64
}

// NewStack creates an empty stack using the given policy.
func NewStack(policy LotPolicy) *Stack {
	return &Stack{policy: policy}
}

// Push appends a lot to the top. Non-positive quantities are ignored.
func (s *Stack) Push(qty int64, price float64, date time.Time) {
	if qty <= 0 {
		return
	}
	s.lots = append(s.lots, domain.Lot{Quantity: qty, Price: price, Date: date})
	s.depth += qty
}

// Depth returns the total quantity on the stack.
func (s *Stack) Depth() int64 { return s.depth }

// Len returns the number of lots on the stack.
func (s *Stack) Len() int { return len(s.lots) }

// Lots returns a copy of the lots, bottom first.
func (s *Stack) Lots() []domain.Lot {
	out := make([]domain.Lot, len(s.lots))
	copy(out, s.lots)
	return out
}

// UnrealizedProfit marks every lot at price.
func (s *Stack) UnrealizedProfit(price float64) float64 {
	var p float64
	for _, l := range s.lots {
		p += float64(l.Quantity) * (price - l.Price)
	}
	return p
}

// PopForSell removes up to qty shares sold at price on date. It returns the
// consumed fragments in unwind order and the part of qty the stack could
// not cover. An over-request is not an error: the caller sells the
// shortfall from core holdings.
func (s *Stack) PopForSell(qty int64, price float64, date time.Time) ([]Fragment, int64) {
	if qty <= 0 {
		return nil, 0
	}
	var frags []Fragment
	remaining := qty
	for _, idx := range s.order(date) {
		if remaining == 0 {
			break
		}
		lot := &s.lots[idx]
		take := min(remaining, lot.Quantity)
		frags = append(frags, Fragment{
			Lot:    domain.Lot{Quantity: take, Price: lot.Price, Date: lot.Date},
			Profit: float64(take) * (price - lot.Price),
		})
		lot.Quantity -= take
		remaining -= take
		s.depth -= take
	}
	s.compact()
	return frags, remaining
}

// order returns lot indices in unwind order for the stack's policy.
func (s *Stack) order(asOf time.Time) []int {
	n := len(s.lots)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	switch s.policy {
	case FIFO:
		return idx
	case Hybrid:
		var long, short []int
		for i := n - 1; i >= 0; i-- {
			if asOf.Sub(s.lots[i].Date) >= LongTermHolding {
				long = append(long, i)
			}
		}
		for i := 0; i < n; i++ {
			if asOf.Sub(s.lots[i].Date) < LongTermHolding {
				short = append(short, i)
			}
		}
		return append(long, short...)
	default:
		sort.Sort(sort.Reverse(sort.IntSlice(idx)))
		return idx
	}
}

// compact drops fully consumed lots, keeping order.
func (s *Stack) compact() {
	kept := s.lots[:0]
	for _, l := range s.lots {
		if l.Quantity > 0 {
			kept = append(kept, l)
		}
	}
	s.lots = kept
}
