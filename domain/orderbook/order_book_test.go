package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const unit = 1_000_000

type bookFixture struct {
	book   *OrderBook
	nextID uint64
}

func newFixture(policy SelfTradePolicy) *bookFixture {
	return &bookFixture{book: NewOrderBook("ETH-PERP", policy)}
}

func (f *bookFixture) order(owner string, side Side, kind Kind, price, size int64) *Order {
	f.nextID++
	return &Order{ID: f.nextID, Market: "ETH-PERP", Owner: owner, Side: side, Kind: kind, Price: price, Size: size}
}

// limit matches and rests like the venue does.
func (f *bookFixture) limit(owner string, side Side, price, size int64) (*Order, MatchResult) {
	o := f.order(owner, side, Limit, price, size)
	res := f.book.Match(o, price)
	if o.Remaining() > 0 {
		f.book.Rest(o)
	}
	return o, res
}

func TestBestBidIsHighest(t *testing.T) {
	f := newFixture(CancelResting)
	f.limit("a", Buy, 2000*unit, unit)
	f.limit("b", Buy, 2010*unit, unit)
	f.limit("c", Buy, 1990*unit, unit)

	bp := f.book.BestPrices()
	require.True(t, bp.HasBid)
	assert.Equal(t, int64(2010*unit), bp.Bid)
	assert.False(t, bp.HasAsk)
}

func TestPartialMakerKeepsQueuePosition(t *testing.T) {
	f := newFixture(CancelResting)
	maker, _ := f.limit("maker", Sell, 2000*unit, 2*unit)
	f.limit("other", Sell, 2000*unit, unit)

	_, res := f.limit("taker", Buy, 2000*unit, unit/2)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, maker.ID, res.Fills[0].MakerOrderID)
	assert.Equal(t, PartiallyFilled, maker.Status)

	node, ok := f.book.PriceNode(2000*unit, Sell)
	require.True(t, ok)
	assert.Equal(t, 2, node.OrderCount)
	assert.Equal(t, int64(2*unit+unit/2), node.TotalSize)
	assert.Equal(t, maker, f.book.Asks.PeekFront(2000*unit))
}

func TestSinglePartialLeavesOneOrder(t *testing.T) {
	f := newFixture(CancelResting)
	f.limit("maker", Sell, 2000*unit, 2*unit)
	f.limit("taker", Buy, 2000*unit, unit/2)

	node, ok := f.book.PriceNode(2000*unit, Sell)
	require.True(t, ok)
	assert.Equal(t, 1, node.OrderCount)
	assert.Equal(t, int64(unit+unit/2), node.TotalSize)
}

func TestMarketOrderWalksLevelsAtMakerPrices(t *testing.T) {
	f := newFixture(CancelResting)
	f.limit("m1", Sell, 2000*unit, unit)
	f.limit("m2", Sell, 2010*unit, unit)

	taker := f.order("t", Buy, Market, 0, unit+unit/2)
	res := f.book.Match(taker, 0)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, Leg{Price: 2000 * unit, Size: unit}, Leg{Price: res.Fills[0].Price, Size: res.Fills[0].Size})
	assert.Equal(t, Leg{Price: 2010 * unit, Size: unit / 2}, Leg{Price: res.Fills[1].Price, Size: res.Fills[1].Size})
	assert.True(t, res.Fills[0].MakerDone)
	assert.False(t, res.Fills[1].MakerDone)
	assert.Equal(t, Filled, taker.Status)

	_, ok := f.book.PriceNode(2000*unit, Sell)
	assert.False(t, ok, "exhausted level must be pruned")
	best, _ := f.book.Asks.BestPrice()
	assert.Equal(t, int64(2010*unit), best)
}

func TestLimitStopsAtPrice(t *testing.T) {
	f := newFixture(CancelResting)
	f.limit("m1", Sell, 2000*unit, unit)
	f.limit("m2", Sell, 2010*unit, unit)

	taker, res := f.limit("t", Buy, 2005*unit, 2*unit)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, PartiallyFilled, taker.Status)

	bp := f.book.BestPrices()
	assert.Equal(t, int64(2005*unit), bp.Bid)
	assert.Equal(t, int64(2010*unit), bp.Ask)
}

func TestCancelRoundTrip(t *testing.T) {
	f := newFixture(CancelResting)
	before := f.book.Depth(10)

	o, _ := f.limit("a", Buy, 1990*unit, unit)
	_, ok := f.book.Cancel(o.ID)
	require.True(t, ok)
	assert.Equal(t, Cancelled, o.Status)
	assert.Equal(t, before, f.book.Depth(10))

	_, ok = f.book.Cancel(o.ID)
	assert.False(t, ok)
}

func TestRemoveMissingOrderIsNoop(t *testing.T) {
	x := NewPriceLevelIndex(Buy)
	assert.False(t, x.Remove(100, 1))
	x.Insert(&Order{ID: 1, Price: 100, Size: 1})
	assert.False(t, x.Remove(100, 2))
	assert.True(t, x.Remove(100, 1))
	_, ok := x.BestPrice()
	assert.False(t, ok)
}

func TestPopFrontPrunesLevel(t *testing.T) {
	x := NewPriceLevelIndex(Sell)
	x.Insert(&Order{ID: 1, Price: 100, Size: 1})
	x.Insert(&Order{ID: 2, Price: 101, Size: 1})

	o := x.PopFront(100)
	require.NotNil(t, o)
	assert.Equal(t, uint64(1), o.ID)
	best, _ := x.BestPrice()
	assert.Equal(t, int64(101), best)
	assert.Nil(t, x.PeekFront(100))
}

func TestSelfTradeCancelsResting(t *testing.T) {
	f := newFixture(CancelResting)
	own, _ := f.limit("alice", Sell, 2000*unit, unit)
	other, _ := f.limit("bob", Sell, 2000*unit, unit)

	legs := f.book.Simulate("alice", Buy, unit, 2000*unit)
	require.Len(t, legs, 1)

	_, res := f.limit("alice", Buy, 2000*unit, unit)
	require.Len(t, res.SelfTradeCancelled, 1)
	assert.Equal(t, own.ID, res.SelfTradeCancelled[0].ID)
	assert.Equal(t, Cancelled, own.Status)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, other.ID, res.Fills[0].MakerOrderID)
}

func TestSelfTradeAllowed(t *testing.T) {
	f := newFixture(AllowSelfTrade)
	own, _ := f.limit("alice", Sell, 2000*unit, unit)
	_, res := f.limit("alice", Buy, 2000*unit, unit)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, own.ID, res.Fills[0].MakerOrderID)
}

func TestSimulateMatchesExecution(t *testing.T) {
	f := newFixture(CancelResting)
	f.limit("m1", Sell, 2000*unit, unit)
	f.limit("m2", Sell, 2000*unit, unit)
	f.limit("m3", Sell, 2020*unit, 3*unit)

	legs := f.book.Simulate("t", Buy, 4*unit, 0)
	assert.Equal(t, []Leg{{Price: 2000 * unit, Size: 2 * unit}, {Price: 2020 * unit, Size: 2 * unit}}, legs)
	assert.Equal(t, 3, f.book.Len(), "simulate must not mutate")
}

func TestDepthAggregates(t *testing.T) {
	f := newFixture(CancelResting)
	f.limit("a", Buy, 100*unit, unit)
	f.limit("b", Buy, 100*unit, 2*unit)
	f.limit("c", Buy, 99*unit, unit)
	f.limit("d", Sell, 101*unit, unit)

	d := f.book.Depth(1)
	require.Len(t, d.Bids, 1)
	assert.Equal(t, LevelView{Price: 100 * unit, TotalSize: 3 * unit, OrderCount: 2}, d.Bids[0])
	require.Len(t, d.Asks, 1)
}

func TestBestPriceIsExtreme(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(CancelResting)
		var live []*Order
		n := rapid.IntRange(1, 60).Draw(t, "n")
		for i := 0; i < n; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "cancel") {
				idx := rapid.IntRange(0, len(live)-1).Draw(t, "idx")
				f.book.Cancel(live[idx].ID)
				live = append(live[:idx], live[idx+1:]...)
				continue
			}
			price := rapid.Int64Range(90, 110).Draw(t, "price") * unit
			o := f.order("o", Buy, Limit, price, unit)
			f.book.Rest(o)
			live = append(live, o)
		}

		var want int64
		for _, o := range live {
			want = max(want, o.Price)
		}
		got, ok := f.book.Bids.BestPrice()
		if len(live) == 0 {
			if ok {
				t.Fatalf("empty side reported best %d", got)
			}
			return
		}
		if got != want {
			t.Fatalf("best bid %d, want %d", got, want)
		}
	})
}

func TestFillConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(AllowSelfTrade)
		makers := rapid.IntRange(1, 10).Draw(t, "makers")
		var resting int64
		for i := 0; i < makers; i++ {
			size := rapid.Int64Range(1, 5).Draw(t, "size") * unit
			f.limit("m", Sell, rapid.Int64Range(100, 105).Draw(t, "price")*unit, size)
			resting += size
		}
		taker := f.order("t", Buy, Market, 0, rapid.Int64Range(1, 60).Draw(t, "takerSize")*unit)
		res := f.book.Match(taker, 0)

		var filled int64
		for _, fl := range res.Fills {
			filled += fl.Size
		}
		if filled != taker.Filled {
			t.Fatalf("legs %d != taker filled %d", filled, taker.Filled)
		}
		var left int64
		f.book.Asks.ForEach(func(lvl *PriceLevel) bool {
			left += lvl.TotalSize
			return true
		})
		if resting-filled != left {
			t.Fatalf("resting %d - filled %d != remaining %d", resting, filled, left)
		}
	})
}

func TestParseSideAndMode(t *testing.T) {
	s, ok := ParseSide("sell")
	assert.True(t, ok)
	assert.Equal(t, Sell, s)
	_, ok = ParseSide("short")
	assert.False(t, ok)

	m, ok := ParseMarginMode("")
	assert.True(t, ok)
	assert.Equal(t, Cross, m)
	m, ok = ParseMarginMode("Isolated")
	assert.True(t, ok)
	assert.Equal(t, Isolated, m)
}
