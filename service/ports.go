package service

import (
	"context"

	"perpex/domain/authz"
	"perpex/domain/events"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/domain/orderbook"
	entrywal "perpex/infra/wal/entry"
)

// The venue is consumed through narrow interfaces, one per responsibility,
// all backed by the same ledger.

type OrderPlacement interface {
	PlaceLimitOrder(ctx context.Context, caller authz.Caller, req LimitOrder) (Placement, error)
	PlaceMarketOrder(ctx context.Context, caller authz.Caller, req MarketOrder) (Placement, error)
	PlaceMarketOrderWithSlippage(ctx context.Context, caller authz.Caller, req MarketOrder) (Placement, error)
	CancelOrder(ctx context.Context, caller authz.Caller, id uint64) (OrderView, error)
	BatchCancelOrders(ctx context.Context, caller authz.Caller, ids []uint64) ([]CancelResult, error)
}

type Collateral interface {
	Deposit(ctx context.Context, caller authz.Caller, owner string, amount int64) (ledger.Account, error)
	Withdraw(ctx context.Context, caller authz.Caller, owner string, amount int64) (ledger.Account, error)
}

type Pricing interface {
	UpdateMarkPrice(ctx context.Context, caller authz.Caller, market string, price int64) error
}

type MarketAdmin interface {
	CreateMarket(ctx context.Context, caller authz.Caller, id string, p market.Params) (market.Market, error)
	UpdateMarket(ctx context.Context, caller authz.Caller, id string, p market.Params) (market.Market, error)
	PauseMarket(ctx context.Context, caller authz.Caller, id string) (market.Market, error)
	ResumeMarket(ctx context.Context, caller authz.Caller, id string) (market.Market, error)
}

type Liquidation interface {
	LiquidationState(owner, market string) RiskState
	Positions(owner string) []PositionView
}

type Settlement interface {
	SettleMarket(ctx context.Context, caller authz.Caller, market string, price int64) (SettlementReport, error)
}

// Queries are the read-only views.
type Queries interface {
	BestPrices(market string) (orderbook.BestPrices, error)
	Depth(market string, levels int) (orderbook.Depth, error)
	PriceNode(market string, price int64, side orderbook.Side) (orderbook.LevelView, error)
	GetOrder(id uint64) (OrderView, error)
	OpenOrders(owner, market string) []OrderView
	MarginSummary(owner string) ledger.MarginSummary
	Market(id string) (market.Market, error)
	Markets() []market.Market
}

var (
	_ OrderPlacement = (*Venue)(nil)
	_ Collateral     = (*Venue)(nil)
	_ Pricing        = (*Venue)(nil)
	_ MarketAdmin    = (*Venue)(nil)
	_ Liquidation    = (*Venue)(nil)
	_ Settlement     = (*Venue)(nil)
	_ Queries        = (*Venue)(nil)
)

// Journal is the durable command log accepted mutations are appended to.
type Journal interface {
	Append(entrywal.Record) error
}

// EventSink receives every event in sequence order, while the venue lock is
// held. It must not call back into the venue.
type EventSink interface {
	Emit(events.Event) error
}

type outbox interface {
	Put(seq uint64, payload []byte) error
}

type outboxSink struct {
	o outbox
}

// OutboxSink stores events in the exit WAL for the broadcaster.
func OutboxSink(o outbox) EventSink {
	return outboxSink{o: o}
}

func (s outboxSink) Emit(ev events.Event) error {
	b, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	return s.o.Put(ev.Seq, b)
}

// FanOut emits to every sink, returning the first error.
type FanOut []EventSink

func (f FanOut) Emit(ev events.Event) error {
	var first error
	for _, s := range f {
		if err := s.Emit(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
