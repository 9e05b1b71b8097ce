package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"volharvest/internal/algo"
	"volharvest/internal/domain"
)

// MaxTriggersPerLeg bounds the triggers one leg of one bar may fire. With
// brackets above 1% a leg would need a sevenfold move to reach it.
const MaxTriggersPerLeg = 200

// legs returns the path a bar's price is assumed to take: the open as a
// point, then open→low→high→close for an up bar or open→high→low→close
// for a down bar.
func legs(b domain.Bar) []algo.Span {
	if b.Close >= b.Open {
		return []algo.Span{
			{From: b.Open, To: b.Open},
			{From: b.Open, To: b.Low},
			{From: b.Low, To: b.High},
			{From: b.High, To: b.Close},
		}
	}
	return []algo.Span{
		{From: b.Open, To: b.Open},
		{From: b.Open, To: b.High},
		{From: b.High, To: b.Low},
		{From: b.Low, To: b.Close},
	}
}

// processBar resolves every bracket crossing in bar. Each leg is evaluated
// until nothing fires, so a gap across k brackets fills k times, each at
// its own bracket price.
func (s *sim) processBar(bar domain.Bar) error {
	buysBlocked := false
	for _, sp := range legs(bar) {
		for n := 0; ; n++ {
			t := algo.Evaluate(s.alg, s.state, s.stack.Depth(), sp)
			if t.Kind == algo.TriggerNone {
				break
			}
			if n == MaxTriggersPerLeg {
				return fmt.Errorf("%w: %d triggers on leg %.4f→%.4f", ErrTriggerLoop, n, sp.From, sp.To)
			}

			if t.Kind == algo.TriggerReanchor {
				s.state.Apply(t)
				continue
			}
			if t.Kind == algo.TriggerBuy {
				if buysBlocked {
					break
				}
				ok, err := s.buy(bar, t)
				if err != nil {
					return err
				}
				if !ok {
					buysBlocked = true
					break
				}
				continue
			}
			if err := s.sell(bar, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// buy fills a buy trigger. It returns false when strict mode refused it; a
// SKIP_BUY is recorded in that case.
func (s *sim) buy(bar domain.Bar, t algo.Trigger) (bool, error) {
	cost := amount(t.Quantity, t.Price)
	if !s.ledger.CanAfford(cost) {
		err := s.record(domain.Transaction{
			Date:     bar.Date,
			Action:   domain.ActionSkipBuy,
			Quantity: t.Quantity,
			Price:    t.Price,
			Amount:   decimal.Zero,
			Note:     fmt.Sprintf("insufficient cash %s for %s", s.ledger.Cash().StringFixed(2), cost.StringFixed(2)),
		})
		return false, err
	}

	s.stack.Push(t.Quantity, t.Price, bar.Date)
	s.state.Apply(t)
	s.log.Debug("buy", "date", bar.Date, "qty", t.Quantity, "price", t.Price)
	return true, s.record(domain.Transaction{
		Date:     bar.Date,
		Action:   domain.ActionBuy,
		Quantity: t.Quantity,
		Price:    t.Price,
		Amount:   cost.Neg(),
		Note:     "buyback",
	})
}

// sell fills a sell trigger, unwinding stacked lots first and core
// holdings for the rest.
func (s *sim) sell(bar domain.Bar, t algo.Trigger) error {
	profit, lots, err := s.unwind(t.Quantity, t.Price, bar)
	if err != nil {
		return err
	}
	s.realized += profit
	s.state.Apply(t)
	s.log.Debug("sell", "date", bar.Date, "kind", t.Kind, "qty", t.Quantity, "price", t.Price)
	return s.record(domain.Transaction{
		Date:     bar.Date,
		Action:   domain.ActionSell,
		Quantity: t.Quantity,
		Price:    t.Price,
		Amount:   amount(t.Quantity, t.Price),
		Note:     fmt.Sprintf("%s lots=%d profit=%.2f", t.Kind, lots, profit),
	})
}

// unwind removes qty shares sold at price: lots first, then core. It
// returns the realized buyback profit and the number of lot fragments.
func (s *sim) unwind(qty int64, price float64, bar domain.Bar) (float64, int, error) {
	frags, short := s.stack.PopForSell(qty, price, bar.Date)
	if short > s.state.Core {
		return 0, 0, fmt.Errorf("%w: selling %d with core %d and stack short by %d",
			ErrReconciliation, qty, s.state.Core, short)
	}
	s.state.Core -= short

	var profit float64
	for _, f := range frags {
		profit += f.Profit
	}
	return profit, len(frags), nil
}

// withdraw funds one withdrawal, bank first. When cash is short it sells
// the fewest whole shares at the close that cover the gap; if even that is
// not enough only the non-negative cash left is withdrawn.
func (s *sim) withdraw(bar domain.Bar) error {
	need := s.cfg.Withdrawal.Amount(s.cfg.InitialInvestment, s.start, bar.Date)
	cash := s.ledger.Cash()

	if cash.LessThan(need) {
		gap := need.Sub(cash)
		qty := gap.Div(decimal.NewFromFloat(bar.Close)).Ceil().IntPart()
		qty = min(qty, s.ledger.Shares())
		if qty > 0 {
			profit, _, err := s.unwind(qty, bar.Close, bar)
			if err != nil {
				return err
			}
			s.liquidated += profit
			proceeds := amount(qty, bar.Close)
			s.ledger.ForcedSales = s.ledger.ForcedSales.Add(proceeds)
			if err := s.record(domain.Transaction{
				Date:     bar.Date,
				Action:   domain.ActionSell,
				Quantity: qty,
				Price:    bar.Close,
				Amount:   proceeds,
				Note:     NoteWithdrawalSale,
			}); err != nil {
				return err
			}
		}
	}

	take := need
	note := "need " + need.StringFixed(2)
	if cash = s.ledger.Cash(); cash.LessThan(need) {
		take = decimal.Max(cash, decimal.Zero)
		short := need.Sub(take)
		s.ledger.Shortfall = s.ledger.Shortfall.Add(short)
		note = fmt.Sprintf("partial: need %s short %s", need.StringFixed(2), short.StringFixed(2))
		s.log.Warn("partial withdrawal", "date", bar.Date, "need", need.String(), "short", short.String())
	}
	return s.record(domain.Transaction{
		Date:   bar.Date,
		Action: domain.ActionWithdrawal,
		Price:  bar.Close,
		Amount: take.Neg(),
		Note:   note,
	})
}
