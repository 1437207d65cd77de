package service

import (
	"perpex/domain/errs"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/domain/orderbook"
)

// Views take the read lock and return copies; they never observe a command
// half applied.

func (v *Venue) BestPrices(id string) (orderbook.BestPrices, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, book, err := v.market(id)
	if err != nil {
		return orderbook.BestPrices{}, err
	}
	return book.BestPrices(), nil
}

func (v *Venue) Depth(id string, levels int) (orderbook.Depth, error) {
	if levels <= 0 {
		return orderbook.Depth{}, errs.Invalid("levels must be positive")
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, book, err := v.market(id)
	if err != nil {
		return orderbook.Depth{}, err
	}
	return book.Depth(levels), nil
}

func (v *Venue) PriceNode(id string, price int64, side orderbook.Side) (orderbook.LevelView, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, book, err := v.market(id)
	if err != nil {
		return orderbook.LevelView{}, err
	}
	lvl, ok := book.PriceNode(price, side)
	if !ok {
		return orderbook.LevelView{}, errs.NotFound("no %s level at %d", side, price)
	}
	return lvl, nil
}

// GetOrder finds a resting order.
func (v *Venue) GetOrder(id uint64) (OrderView, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	o, _ := v.findLive(id)
	if o == nil {
		return OrderView{}, errs.NotFound("order %d", id)
	}
	return viewOf(o), nil
}

// OpenOrders lists owner's resting orders in mkt, or in every market when
// mkt is empty, in book priority order.
func (v *Venue) OpenOrders(owner, mkt string) []OrderView {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []OrderView
	for _, b := range v.sortedBooks() {
		if mkt != "" && b.Market != mkt {
			continue
		}
		for _, o := range b.OrdersOf(owner) {
			out = append(out, viewOf(o))
		}
	}
	return out
}

func (v *Venue) MarginSummary(owner string) ledger.MarginSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ledger.Summary(owner, v.markets)
}

type PositionView struct {
	ledger.PositionSummary
	Risk RiskState
}

func (v *Venue) Positions(owner string) []PositionView {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := v.ledger.Summary(owner, v.markets)
	out := make([]PositionView, 0, len(s.Positions))
	for _, p := range s.Positions {
		out = append(out, PositionView{PositionSummary: p, Risk: v.risk.state(owner, p.Market)})
	}
	return out
}

func (v *Venue) LiquidationState(owner, mkt string) RiskState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.risk.state(owner, mkt)
}

func (v *Venue) Market(id string) (market.Market, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	m, err := v.markets.Get(id)
	if err != nil {
		return market.Market{}, err
	}
	return *m, nil
}

func (v *Venue) Markets() []market.Market {
	v.mu.RLock()
	defer v.mu.RUnlock()

	list := v.markets.List()
	out := make([]market.Market, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}
