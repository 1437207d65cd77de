package orderbook

import "fmt"

// SelfTradePolicy decides what happens when a taker meets its own resting
// order.
type SelfTradePolicy uint8

const (
	// CancelResting cancels the taker's own resting order and keeps matching
	// behind it.
	CancelResting SelfTradePolicy = iota
	// AllowSelfTrade lets the two orders trade.
	AllowSelfTrade
)

func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	switch s {
	case "", "cancel_resting":
		return CancelResting, nil
	case "allow":
		return AllowSelfTrade, nil
	default:
		return 0, fmt.Errorf("unknown self-trade policy %q", s)
	}
}

// Fill is one leg of a match, always executed at the maker's price.
type Fill struct {
	TakerOrderID uint64
	MakerOrderID uint64
	Taker        string
	Maker        string
	TakerSide    Side
	Price        int64
	Size         int64

	// MakerRemaining is the maker's unfilled size before this leg.
	MakerRemaining int64
	MakerDone      bool
	Resting        *Order
}

type MatchResult struct {
	Fills              []Fill
	SelfTradeCancelled []*Order
}

// Leg is a projected execution of a dry run.
type Leg struct {
	Price int64
	Size  int64
}

type LevelView struct {
	Price      int64
	TotalSize  int64
	OrderCount int
}

type Depth struct {
	Bids []LevelView
	Asks []LevelView
}

type BestPrices struct {
	Bid    int64
	Ask    int64
	HasBid bool
	HasAsk bool
}

// OrderBook is single-writer and deterministic. It never touches
// collateral; callers settle fills against the ledger.
type OrderBook struct {
	Market    string
	Bids      *PriceLevelIndex
	Asks      *PriceLevelIndex
	SelfTrade SelfTradePolicy

	orders map[uint64]*Order
}

func NewOrderBook(market string, policy SelfTradePolicy) *OrderBook {
	return &OrderBook{
		Market:    market,
		Bids:      NewPriceLevelIndex(Buy),
		Asks:      NewPriceLevelIndex(Sell),
		SelfTrade: policy,
		orders:    make(map[uint64]*Order),
	}
}

func (b *OrderBook) index(s Side) *PriceLevelIndex {
	if s == Buy {
		return b.Bids
	}
	return b.Asks
}

// ---- matching ----

// Match trades taker against the opposite side while it has size left and
// the best opposite price crosses limit. A zero limit accepts any price.
func (b *OrderBook) Match(taker *Order, limit int64) MatchResult {
	var res MatchResult
	opp := b.index(taker.Side.Opposite())

	for taker.Remaining() > 0 {
		lvl := opp.Best()
		if lvl == nil || !opp.Crosses(lvl.Price, limit) {
			break
		}

		maker := lvl.Head()
		if maker.Owner == taker.Owner && b.SelfTrade == CancelResting {
			b.unlink(maker)
			maker.Status = Cancelled
			res.SelfTradeCancelled = append(res.SelfTradeCancelled, maker)
			continue
		}

		qty := min(taker.Remaining(), maker.Remaining())
		f := Fill{
			TakerOrderID:   taker.ID,
			MakerOrderID:   maker.ID,
			Taker:          taker.Owner,
			Maker:          maker.Owner,
			TakerSide:      taker.Side,
			Price:          lvl.Price,
			Size:           qty,
			MakerRemaining: maker.Remaining(),
			Resting:        maker,
		}

		lvl.fill(maker, qty)
		taker.fill(qty)

		if maker.Remaining() == 0 {
			b.unlink(maker)
			f.MakerDone = true
		}
		res.Fills = append(res.Fills, f)
	}
	return res
}

// Simulate projects the legs a taker would execute without mutating the
// book. Orders the taker would cancel as self-trades are skipped.
func (b *OrderBook) Simulate(owner string, side Side, size, limit int64) []Leg {
	var legs []Leg
	left := size
	opp := b.index(side.Opposite())

	opp.ForEach(func(lvl *PriceLevel) bool {
		if !opp.Crosses(lvl.Price, limit) {
			return false
		}
		for o := lvl.Head(); o != nil && left > 0; o = o.Next() {
			if o.Owner == owner && b.SelfTrade == CancelResting {
				continue
			}
			qty := min(left, o.Remaining())
			if n := len(legs); n > 0 && legs[n-1].Price == lvl.Price {
				legs[n-1].Size += qty
			} else {
				legs = append(legs, Leg{Price: lvl.Price, Size: qty})
			}
			left -= qty
		}
		return left > 0
	})
	return legs
}

// ---- lifecycle ----

// Rest adds the unfilled remainder of a limit order to its side.
func (b *OrderBook) Rest(o *Order) {
	b.index(o.Side).Insert(o)
	b.orders[o.ID] = o
}

// Cancel removes a resting order. The bool is false when it is not live in
// this book.
func (b *OrderBook) Cancel(id uint64) (*Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	b.unlink(o)
	o.Status = Cancelled
	return o, true
}

func (b *OrderBook) unlink(o *Order) {
	b.index(o.Side).remove(o)
	delete(b.orders, o.ID)
}

// ---- queries ----

func (b *OrderBook) Get(id uint64) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

func (b *OrderBook) Len() int { return len(b.orders) }

func (b *OrderBook) BestPrices() BestPrices {
	var bp BestPrices
	bp.Bid, bp.HasBid = b.Bids.BestPrice()
	bp.Ask, bp.HasAsk = b.Asks.BestPrice()
	return bp
}

// Depth returns up to levels aggregated levels per side, best first.
func (b *OrderBook) Depth(levels int) Depth {
	return Depth{
		Bids: collect(b.Bids, levels),
		Asks: collect(b.Asks, levels),
	}
}

func collect(x *PriceLevelIndex, n int) []LevelView {
	out := make([]LevelView, 0, min(n, x.Levels()))
	x.ForEach(func(lvl *PriceLevel) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, view(lvl))
		return true
	})
	return out
}

func (b *OrderBook) PriceNode(price int64, side Side) (LevelView, bool) {
	lvl := b.index(side).Level(price)
	if lvl == nil {
		return LevelView{}, false
	}
	return view(lvl), true
}

func view(lvl *PriceLevel) LevelView {
	return LevelView{Price: lvl.Price, TotalSize: lvl.TotalSize, OrderCount: lvl.OrderCount}
}

// Orders returns every resting order, bids then asks, each side best price
// first and FIFO within a level.
func (b *OrderBook) Orders() []*Order {
	out := make([]*Order, 0, len(b.orders))
	walk := func(lvl *PriceLevel) bool {
		for o := lvl.Head(); o != nil; o = o.Next() {
			out = append(out, o)
		}
		return true
	}
	b.Bids.ForEach(walk)
	b.Asks.ForEach(walk)
	return out
}

func (b *OrderBook) OrdersOf(owner string) []*Order {
	var out []*Order
	for _, o := range b.Orders() {
		if o.Owner == owner {
			out = append(out, o)
		}
	}
	return out
}
