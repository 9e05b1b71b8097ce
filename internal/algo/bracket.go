package algo

import (
	"fmt"
	"math"
)

// TriggerKind classifies the outcome of one evaluation.
type TriggerKind int

const (
	TriggerNone TriggerKind = iota
	TriggerBuy
	TriggerSellBracket
	TriggerSellATH
	// TriggerReanchor moves the ladder to a new high without a fill.
	TriggerReanchor
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerNone:
		return "none"
	case TriggerBuy:
		return "buy"
	case TriggerSellBracket:
		return "bracket"
	case TriggerSellATH:
		return "ath"
	case TriggerReanchor:
		return "reanchor"
	}
	return fmt.Sprintf("trigger(%d)", int(k))
}

// IsSell reports whether k is one of the sell kinds.
func (k TriggerKind) IsSell() bool { return k == TriggerSellBracket || k == TriggerSellATH }

// priceEpsilon is the relative tolerance used when comparing a reached
// price against a trigger price.
const priceEpsilon = 1e-9

// State is the bracket state.
//
// Anchor is always the price of the last fill. It sits on a geometric
// ladder base*(1+r)^step so that a price returning to an earlier anchor
// reproduces that anchor bit for bit; buy and later matching sell are then
// exactly symmetric.
type State struct {
	Anchor float64
	ATH    float64
	Core   int64 // shares outside the lot stack; sizes every trade

	base float64
	step int
}

// NewState starts the ladder at price with core shares held. The all-time
// high starts at price.
func NewState(price float64, core int64) State {
	return State{Anchor: price, ATH: price, Core: core, base: price}
}

func (s State) rung(ratio float64, step int) float64 {
	return s.base * math.Pow(ratio, float64(step))
}

// BuyPrice is the next buy trigger, anchor/(1+r).
func (s State) BuyPrice(a Algorithm) float64 {
	return s.rung(1+a.Bracket, s.step-1)
}

// SellPrice is the next sell trigger: anchor*(1+r) for Standard, and
// max(anchor, ATH)*(1+r) for the variants that only sell on a new high.
func (s State) SellPrice(a Algorithm) float64 {
	p := s.rung(1+a.Bracket, s.step+1)
	if (a.Variant == ATHOnly || a.Variant == ATHSell) && s.ATH > s.Anchor {
		return s.ATH * (1 + a.Bracket)
	}
	return p
}

// TradeSize is the share count of one bracket trade:
// round(core * bracket * profitSharing).
func (s State) TradeSize(a Algorithm) int64 {
	return int64(math.Round(float64(s.Core) * a.Bracket * a.ProfitSharing))
}

// Span is one monotonic leg of the path a bar's price is assumed to take.
// From == To is a point (the open).
type Span struct {
	From, To float64
}

// Trigger is the result of Evaluate. Price is always the theoretical
// bracket price, never the bar's open, high or low.
type Trigger struct {
	Kind     TriggerKind
	Price    float64
	Quantity int64

	step   int  // ladder position after the fill
	rebase bool // the fill starts a new ladder at Price
}

// Evaluate returns at most one trigger for the span. Rising spans are
// checked for sells, falling spans for buys, points for both with sells
// first. Quantities are sized from s.Core; stackDepth is the quantity
// currently stacked. A trigger whose quantity would be zero does not fire.
func Evaluate(a Algorithm, s State, stackDepth int64, sp Span) Trigger {
	if a.Variant == BuyAndHold {
		return Trigger{}
	}
	rising := sp.To > sp.From
	falling := sp.To < sp.From

	if !falling {
		if t := evaluateSell(a, s, stackDepth, sp.To); t.Kind != TriggerNone {
			return t
		}
	}
	if !rising && a.Variant.Buys() {
		price := s.BuyPrice(a)
		if reached(sp.To, price, false) {
			if q := s.TradeSize(a); q > 0 {
				return Trigger{Kind: TriggerBuy, Price: price, Quantity: q, step: s.step - 1}
			}
		}
	}
	return Trigger{}
}

func evaluateSell(a Algorithm, s State, stackDepth int64, high float64) Trigger {
	price := s.SellPrice(a)
	if !reached(high, price, true) {
		return Trigger{}
	}
	var q int64
	switch a.Variant {
	case Standard:
		q = min(s.TradeSize(a), s.Core+stackDepth)
	case ATHOnly:
		q = min(s.TradeSize(a), s.Core)
	case ATHSell:
		// The whole stack is paid out; core is never sold.
		q = stackDepth
	}
	t := Trigger{Kind: TriggerSellBracket, Price: price, Quantity: q, step: s.step + 1}
	if price > s.ATH {
		t.Kind = TriggerSellATH
	}
	if (a.Variant == ATHOnly || a.Variant == ATHSell) && s.ATH > s.Anchor {
		t.step, t.rebase = 0, true
	}
	if q <= 0 {
		// With nothing stacked, ATH-sell still follows the rally so that
		// its buy ladder hangs below the latest high.
		if a.Variant != ATHSell {
			return Trigger{}
		}
		t.Kind, t.Quantity = TriggerReanchor, 0
	}
	return t
}

// reached compares a price the market touched against a trigger price with
// a small relative tolerance.
func reached(touched, trigger float64, up bool) bool {
	tol := trigger * priceEpsilon
	if up {
		return touched >= trigger-tol
	}
	return touched <= trigger+tol
}

// Apply advances the state after the caller has filled t. Core is not
// touched; the caller owns the split between core and stack.
func (s *State) Apply(t Trigger) {
	if t.Kind == TriggerNone {
		return
	}
	if t.rebase {
		s.base = t.Price
	}
	s.step = t.step
	s.Anchor = t.Price
	s.ATH = math.Max(s.ATH, t.Price)
}

// Observe raises the all-time high to high if it exceeds it. It never
// lowers it.
func (s *State) Observe(high float64) {
	s.ATH = math.Max(s.ATH, high)
}
