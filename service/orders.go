package service

import (
	"context"
	"time"

	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/domain/events"
	"perpex/domain/fixed"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/domain/orderbook"
	"perpex/infra/wire"
)

type LimitOrder struct {
	Market string
	Side   orderbook.Side
	Price  int64
	Size   int64
	Mode   orderbook.MarginMode
}

type MarketOrder struct {
	Market string
	Side   orderbook.Side
	Size   int64
	Mode   orderbook.MarginMode
	// MaxSlippageBps bounds execution around the best opposite price at
	// submission. Zero means no bound.
	MaxSlippageBps int64
}

// OrderView is a copy of an order safe to hand outside the venue lock.
type OrderView struct {
	ID        uint64
	Market    string
	Owner     string
	Side      orderbook.Side
	Kind      orderbook.Kind
	Price     int64
	Size      int64
	Filled    int64
	Status    orderbook.Status
	Mode      orderbook.MarginMode
	Reserved  int64
	CreatedAt int64
}

func viewOf(o *orderbook.Order) OrderView {
	return OrderView{
		ID:        o.ID,
		Market:    o.Market,
		Owner:     o.Owner,
		Side:      o.Side,
		Kind:      o.Kind,
		Price:     o.Price,
		Size:      o.Size,
		Filled:    o.Filled,
		Status:    o.Status,
		Mode:      o.Mode,
		Reserved:  o.Reserved,
		CreatedAt: o.CreatedAt,
	}
}

// Trade is one executed leg from the taker's point of view.
type Trade struct {
	MakerOrderID uint64
	Maker        string
	Price        int64
	Size         int64
	Fee          int64
}

type Placement struct {
	Order  OrderView
	Trades []Trade
}

type CancelResult struct {
	OrderID uint64
	Order   OrderView
	Err     error
}

// ---- commands ----

func (v *Venue) PlaceLimitOrder(ctx context.Context, caller authz.Caller, req LimitOrder) (Placement, error) {
	if err := ctx.Err(); err != nil {
		return Placement{}, err
	}
	start := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authz.Require(caller, authz.CapTrade, req.Market); err != nil {
		return Placement{}, v.reject(req.Market, err)
	}
	cmd := v.command(wire.OpPlaceLimit, caller)
	cmd.Market, cmd.Owner = req.Market, caller.Subject
	cmd.Side, cmd.Mode = uint8(req.Side), uint8(req.Mode)
	cmd.Price, cmd.Size = req.Price, req.Size

	p, err := v.applyPlace(cmd)
	if err != nil {
		return Placement{}, v.reject(req.Market, err)
	}
	v.metrics.ObserveOrder(req.Market, req.Side.String(), orderbook.Limit.String(), time.Since(start))
	return p, nil
}

func (v *Venue) PlaceMarketOrder(ctx context.Context, caller authz.Caller, req MarketOrder) (Placement, error) {
	req.MaxSlippageBps = 0
	return v.placeMarket(ctx, caller, req)
}

func (v *Venue) PlaceMarketOrderWithSlippage(ctx context.Context, caller authz.Caller, req MarketOrder) (Placement, error) {
	if req.MaxSlippageBps <= 0 || req.MaxSlippageBps >= fixed.BpsDenominator {
		return Placement{}, v.reject(req.Market, errs.Invalid("slippage %d bps out of (0, 10000)", req.MaxSlippageBps))
	}
	return v.placeMarket(ctx, caller, req)
}

func (v *Venue) placeMarket(ctx context.Context, caller authz.Caller, req MarketOrder) (Placement, error) {
	if err := ctx.Err(); err != nil {
		return Placement{}, err
	}
	start := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authz.Require(caller, authz.CapTrade, req.Market); err != nil {
		return Placement{}, v.reject(req.Market, err)
	}
	cmd := v.command(wire.OpPlaceMarket, caller)
	cmd.Market, cmd.Owner = req.Market, caller.Subject
	cmd.Side, cmd.Mode = uint8(req.Side), uint8(req.Mode)
	cmd.Size, cmd.SlippageBps = req.Size, req.MaxSlippageBps

	p, err := v.applyPlace(cmd)
	if err != nil {
		return Placement{}, v.reject(req.Market, err)
	}
	v.metrics.ObserveOrder(req.Market, req.Side.String(), orderbook.Market.String(), time.Since(start))
	return p, nil
}

func (v *Venue) CancelOrder(ctx context.Context, caller authz.Caller, id uint64) (OrderView, error) {
	if err := ctx.Err(); err != nil {
		return OrderView{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	o, _ := v.findLive(id)
	if o == nil {
		return OrderView{}, errs.NotFound("order %d", id)
	}
	if err := v.authz.Require(caller, authz.CapTrade, o.Market); err != nil {
		return OrderView{}, err
	}
	if err := checkOwner(caller, o.Owner); err != nil {
		return OrderView{}, err
	}

	cmd := v.command(wire.OpCancel, caller)
	cmd.Market, cmd.OrderID = o.Market, id
	return v.applyCancel(cmd)
}

// BatchCancelOrders cancels each id and reports per-id outcomes. Lists
// longer than the configured maximum are rejected whole.
func (v *Venue) BatchCancelOrders(ctx context.Context, caller authz.Caller, ids []uint64) ([]CancelResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) > v.cfg.MaxBatchCancel {
		return nil, errs.New(errs.KindInvalidBatchSize, "%d ids exceed the limit of %d", len(ids), v.cfg.MaxBatchCancel)
	}
	if len(ids) == 0 {
		return nil, errs.Invalid("no order ids")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	results := make([]CancelResult, len(ids))
	allowed := make([]uint64, 0, len(ids))
	for i, id := range ids {
		results[i].OrderID = id
		o, _ := v.findLive(id)
		switch {
		case o == nil:
			results[i].Err = errs.NotFound("order %d", id)
		default:
			if err := v.authz.Require(caller, authz.CapTrade, o.Market); err != nil {
				results[i].Err = err
			} else if err := checkOwner(caller, o.Owner); err != nil {
				results[i].Err = err
			} else {
				allowed = append(allowed, id)
			}
		}
	}
	if len(allowed) == 0 {
		return results, nil
	}

	cmd := v.command(wire.OpBatchCancel, caller)
	cmd.OrderIDs = allowed
	done, err := v.applyBatchCancel(cmd)
	if err != nil {
		return nil, err
	}
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		if view, ok := done[results[i].OrderID]; ok {
			results[i].Order = view
		} else {
			results[i].Err = errs.NotFound("order %d", results[i].OrderID)
		}
	}
	return results, nil
}

// ---- apply ----

func (v *Venue) applyPlace(cmd wire.Command) (Placement, error) {
	m, book, err := v.market(cmd.Market)
	if err != nil {
		return Placement{}, err
	}
	if err := m.Tradable(); err != nil {
		return Placement{}, err
	}
	side, mode := orderbook.Side(cmd.Side), orderbook.MarginMode(cmd.Mode)
	if side > orderbook.Sell || mode > orderbook.Isolated {
		return Placement{}, errs.Invalid("unknown side or margin mode")
	}
	if err := m.CheckSize(cmd.Size); err != nil {
		return Placement{}, err
	}

	kind, limit := orderbook.Limit, cmd.Price
	if cmd.Op == wire.OpPlaceLimit {
		if err := m.CheckPrice(cmd.Price); err != nil {
			return Placement{}, err
		}
	} else {
		kind = orderbook.Market
		if limit, err = slippageLimit(book, side, cmd.SlippageBps); err != nil {
			return Placement{}, err
		}
	}
	if pos, ok := v.ledger.Position(cmd.Owner, cmd.Market); ok && pos.Mode != mode {
		return Placement{}, errs.Invalid("open %s position cannot take %s orders", pos.Mode, mode)
	}

	plan := ledger.OrderPlan{
		Owner:       cmd.Owner,
		Market:      cmd.Market,
		Side:        side,
		Legs:        book.Simulate(cmd.Owner, side, cmd.Size, limit),
		MarginBps:   m.Params.MarginBps,
		FeeBps:      m.Params.FeeBps,
		MakerFeeBps: m.Params.MakerFeeBps,
	}
	if kind == orderbook.Limit {
		var matched int64
		for _, leg := range plan.Legs {
			matched += leg.Size
		}
		plan.Rest = orderbook.Leg{Price: cmd.Price, Size: cmd.Size - matched}
	}

	bookCaller := authz.Book(cmd.Market)
	reserved, err := v.ledger.ReserveForOrder(bookCaller, plan)
	if err != nil {
		return Placement{}, err
	}
	if err := v.commit(cmd); err != nil {
		_, _ = v.ledger.ReleaseMargin(bookCaller, cmd.Owner, cmd.Market, reserved)
		return Placement{}, err
	}

	o := &orderbook.Order{
		ID:        v.orderSeq.Next(),
		Market:    cmd.Market,
		Owner:     cmd.Owner,
		Side:      side,
		Kind:      kind,
		Price:     cmd.Price,
		Size:      cmd.Size,
		Status:    orderbook.Open,
		CreatedAt: cmd.Time,
		Mode:      mode,
		Reserved:  reserved,
	}
	v.emit(events.OrderPlaced, o.Market, events.OrderPlacedData{
		OrderID: o.ID,
		Owner:   o.Owner,
		Side:    o.Side.String(),
		Kind:    o.Kind.String(),
		Price:   o.Price,
		Size:    o.Size,
		Mode:    o.Mode.String(),
	})

	x := v.execute(m, book, o, limit)
	v.finish(book, o)
	v.topUpResting(m, book, x.opened)

	v.risk.evaluate(m.ID, append(x.owners, o.Owner))
	v.observeBook(book)
	return Placement{Order: viewOf(o), Trades: x.trades}, nil
}

// finish rests a limit remainder or drops a market remainder.
func (v *Venue) finish(book *orderbook.OrderBook, o *orderbook.Order) {
	switch {
	case o.Remaining() == 0:
		if o.Reserved > 0 {
			_, _ = v.ledger.ReleaseMargin(authz.Book(o.Market), o.Owner, o.Market, o.Reserved)
			o.Reserved = 0
		}
	case o.Kind == orderbook.Limit:
		book.Rest(o)
	default:
		if o.Filled == 0 {
			o.Status = orderbook.Cancelled
		}
		v.release(o, "unfilled")
	}
}

func (v *Venue) applyCancel(cmd wire.Command) (OrderView, error) {
	book, ok := v.books[cmd.Market]
	if !ok {
		return OrderView{}, errs.NotFound("market %s", cmd.Market)
	}
	if _, ok := book.Get(cmd.OrderID); !ok {
		return OrderView{}, errs.NotFound("order %d", cmd.OrderID)
	}
	if err := v.commit(cmd); err != nil {
		return OrderView{}, err
	}

	o, _ := book.Cancel(cmd.OrderID)
	v.release(o, "cancelled")
	v.observeBook(book)
	return viewOf(o), nil
}

func (v *Venue) applyBatchCancel(cmd wire.Command) (map[uint64]OrderView, error) {
	if err := v.commit(cmd); err != nil {
		return nil, err
	}
	out := make(map[uint64]OrderView, len(cmd.OrderIDs))
	touched := make(map[*orderbook.OrderBook]struct{})
	for _, id := range cmd.OrderIDs {
		_, book := v.findLive(id)
		if book == nil {
			continue
		}
		o, _ := book.Cancel(id)
		v.release(o, "cancelled")
		out[id] = viewOf(o)
		touched[book] = struct{}{}
	}
	for b := range touched {
		v.observeBook(b)
	}
	return out, nil
}

// ---- matching ----

type execution struct {
	trades   []Trade
	owners   []string
	opened   []string
	notional int64
	realized int64
	released int64
}

// execute matches o against its book and settles every leg against the
// ledger. Each side of a leg pays its net cost out of its order's
// reservation; a maker that is done hands back whatever it still holds.
// Only reduce-only liquidation orders may leave their owner short.
func (v *Venue) execute(m *market.Market, book *orderbook.OrderBook, o *orderbook.Order, limit int64) execution {
	var x execution
	res := book.Match(o, limit)

	for _, c := range res.SelfTradeCancelled {
		v.release(c, "self_trade")
	}

	bookCaller := authz.Book(m.ID)
	for _, f := range res.Fills {
		maker := f.Resting

		tr, err := v.ledger.ApplyFill(bookCaller, ledger.Fill{
			Owner: o.Owner, Market: m.ID, Side: o.Side, Price: f.Price, Size: f.Size,
			MarginBps: m.Params.MarginBps, FeeBps: m.Params.FeeBps,
			Reserved: o.Reserved, Mode: o.Mode, Time: v.at, Liquidation: o.ReduceOnly,
		})
		if err != nil {
			v.log.Error("apply taker fill", "market", m.ID, "order_id", o.ID, "error", err)
		}
		o.Reserved -= tr.Consumed

		mr, err := v.ledger.ApplyFill(bookCaller, ledger.Fill{
			Owner: maker.Owner, Market: m.ID, Side: maker.Side, Price: f.Price, Size: f.Size,
			MarginBps: m.Params.MarginBps, FeeBps: m.Params.MakerFeeBps,
			Reserved: maker.Reserved, Mode: maker.Mode, Time: v.at,
		})
		if err != nil {
			v.log.Error("apply maker fill", "market", m.ID, "order_id", maker.ID, "error", err)
		}
		maker.Reserved -= mr.Consumed
		if f.MakerDone && maker.Reserved > 0 {
			_, _ = v.ledger.ReleaseMargin(bookCaller, maker.Owner, m.ID, maker.Reserved)
			maker.Reserved = 0
		}

		m.LastTradePrice = f.Price
		x.notional += fixed.Notional(f.Price, f.Size)
		x.realized += tr.Realized
		x.released += tr.MarginReleased
		x.owners = append(x.owners, maker.Owner)
		if tr.Opened > 0 {
			x.opened = append(x.opened, o.Owner)
		}
		if mr.Opened > 0 {
			x.opened = append(x.opened, maker.Owner)
		}
		x.trades = append(x.trades, Trade{
			MakerOrderID: f.MakerOrderID,
			Maker:        f.Maker,
			Price:        f.Price,
			Size:         f.Size,
			Fee:          tr.Fee,
		})

		v.emit(events.TradeExecuted, m.ID, events.TradeData{
			TakerOrderID: f.TakerOrderID,
			MakerOrderID: f.MakerOrderID,
			Taker:        f.Taker,
			Maker:        f.Maker,
			TakerSide:    f.TakerSide.String(),
			Price:        f.Price,
			Size:         f.Size,
			TakerFee:     tr.Fee,
			MakerFee:     mr.Fee,
		})
		v.coverEvent(m.ID, o.Owner, tr.BadDebt)
	}

	if n := len(res.Fills); n > 0 {
		v.emit(events.BatchMatchingCompleted, m.ID, events.BatchData{OrderID: o.ID, TradeCount: n})
		v.metrics.ObserveTrades(m.ID, n)
	}
	return x
}

// topUpResting re-prices the reservations of owners' resting orders after
// their positions grew or the market's rates changed. A resting close whose
// loss the owner can no longer back is cancelled.
func (v *Venue) topUpResting(m *market.Market, book *orderbook.OrderBook, owners []string) {
	if len(owners) == 0 {
		return
	}
	bookCaller := authz.Book(m.ID)
	for _, owner := range uniqueSorted(owners) {
		for _, o := range book.OrdersOf(owner) {
			held, err := v.ledger.TopUp(bookCaller, ledger.OrderPlan{
				Owner:       owner,
				Market:      m.ID,
				Side:        o.Side,
				Rest:        orderbook.Leg{Price: o.Price, Size: o.Remaining()},
				MarginBps:   m.Params.MarginBps,
				FeeBps:      m.Params.FeeBps,
				MakerFeeBps: m.Params.MakerFeeBps,
			}, o.Reserved)
			if err != nil {
				book.Cancel(o.ID)
				v.release(o, "insufficient_margin")
				continue
			}
			o.Reserved = held
		}
	}
}

// release returns an order's outstanding reservation and records why the
// order left the book.
func (v *Venue) release(o *orderbook.Order, reason string) {
	released, _ := v.ledger.ReleaseMargin(authz.Book(o.Market), o.Owner, o.Market, o.Reserved)
	o.Reserved = 0
	v.emit(events.OrderCancelled, o.Market, events.OrderCancelledData{
		OrderID:   o.ID,
		Owner:     o.Owner,
		Remaining: o.Remaining(),
		Released:  released,
		Reason:    reason,
	})
}

func (v *Venue) coverEvent(mkt, owner string, amount int64) {
	if amount <= 0 {
		return
	}
	v.log.Warn("bad debt covered by insurance", "market", mkt, "owner", owner, "amount", amount)
	v.emit(events.BadDebtCovered, mkt, events.BadDebtData{Owner: owner, Amount: amount})
}

// slippageLimit bounds a market order around the best opposite price. A
// sell bound never drops below the smallest price.
func slippageLimit(book *orderbook.OrderBook, side orderbook.Side, bps int64) (int64, error) {
	if bps == 0 {
		return 0, nil
	}
	if bps < 0 || bps >= fixed.BpsDenominator {
		return 0, errs.Invalid("slippage %d bps out of (0, 10000)", bps)
	}
	bp := book.BestPrices()
	if side == orderbook.Buy {
		if !bp.HasAsk {
			return 0, nil
		}
		limit, err := fixed.CheckedMulDivUp(bp.Ask, fixed.BpsDenominator+bps, fixed.BpsDenominator)
		if err != nil {
			return 0, errs.Invalid("slippage bound above %s out of range", fixed.Format(bp.Ask))
		}
		return limit, nil
	}
	if !bp.HasBid {
		return 0, nil
	}
	return max(fixed.MulDiv(bp.Bid, fixed.BpsDenominator-bps, fixed.BpsDenominator), 1), nil
}
