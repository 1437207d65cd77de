package service

import (
	"context"

	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/domain/events"
	"perpex/domain/market"
	"perpex/infra/wire"
)

type SettledPosition struct {
	Owner    string
	Size     int64
	Realized int64
	BadDebt  int64
}

type SettlementReport struct {
	Market          string
	Price           int64
	CancelledOrders int
	Positions       []SettledPosition
}

// SettleMarket closes market id at price: resting orders are cancelled,
// every position is closed at price with PnL realized, and the market
// becomes SETTLED for good.
func (v *Venue) SettleMarket(ctx context.Context, caller authz.Caller, id string, price int64) (SettlementReport, error) {
	if err := ctx.Err(); err != nil {
		return SettlementReport{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authz.Require(caller, authz.CapSettle, id); err != nil {
		return SettlementReport{}, err
	}
	cmd := v.command(wire.OpSettleMarket, caller)
	cmd.Market, cmd.Price = id, price
	return v.applySettle(cmd)
}

func (v *Venue) applySettle(cmd wire.Command) (SettlementReport, error) {
	m, book, err := v.market(cmd.Market)
	if err != nil {
		return SettlementReport{}, err
	}
	if m.Status == market.Settled {
		return SettlementReport{}, errs.New(errs.KindMarketNotActive, "%s is already settled", m.ID)
	}
	if cmd.Price <= 0 {
		return SettlementReport{}, errs.Invalid("settlement price must be positive")
	}
	if err := v.commit(cmd); err != nil {
		return SettlementReport{}, err
	}

	rep := SettlementReport{Market: m.ID, Price: cmd.Price}
	for _, o := range book.Orders() {
		book.Cancel(o.ID)
		v.release(o, "settlement")
		rep.CancelledOrders++
	}
	v.observeBook(book)

	for _, p := range v.ledger.MarketPositions(m.ID) {
		res, ok, err := v.ledger.SettlePosition(authz.System(), p.Owner, m.ID, cmd.Price, cmd.Time)
		if err != nil {
			v.log.Error("settle position", "market", m.ID, "owner", p.Owner, "error", err)
			continue
		}
		if !ok {
			continue
		}
		delete(v.risk.states, riskKey{p.Owner, m.ID})
		rep.Positions = append(rep.Positions, SettledPosition{
			Owner: p.Owner, Size: res.Size, Realized: res.Realized, BadDebt: res.BadDebt,
		})
		v.emit(events.PositionSettled, m.ID, events.SettlementData{
			Owner: p.Owner, Price: cmd.Price, Size: res.Size, Realized: res.Realized,
		})
		v.coverEvent(m.ID, p.Owner, res.BadDebt)
	}

	m.Status = market.Settled
	m.SettlementPrice = cmd.Price
	m.MarkPrice = cmd.Price
	v.emit(events.MarketSettled, m.ID, events.SettlementData{Price: cmd.Price})
	v.log.Info("market settled", "market", m.ID, "price", cmd.Price,
		"positions", len(rep.Positions), "cancelled_orders", rep.CancelledOrders)
	return rep, nil
}
