package ledger

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/domain/fixed"
	"perpex/domain/orderbook"
)

const market = "ETH-PERP"

var book = authz.Book(market)

func units(n int64) int64 { return fixed.Units(n) }

type staticPrices map[string]int64

func (s staticPrices) MarkPrice(m string) (int64, bool) {
	p, ok := s[m]
	return p, ok
}

func newLedger(t *testing.T, deposits map[string]int64) *Ledger {
	t.Helper()
	l := New(Config{})
	for owner, amt := range deposits {
		require.NoError(t, l.Deposit(owner, amt))
	}
	return l
}

func TestReserveForRestingOrder(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000)})

	reserved, err := l.ReserveForOrder(book, OrderPlan{
		Owner: "alice", Market: market, Side: orderbook.Buy,
		Rest:      orderbook.Leg{Price: units(100), Size: units(10)},
		MarginBps: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, units(100), reserved)

	s := l.Summary("alice", staticPrices{})
	assert.Equal(t, units(100), s.MarginReserved)
	assert.Equal(t, units(900), s.AvailableCollateral)
}

func TestReserveRejectsShortfallAtomically(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000)})
	_, err := l.ReserveMargin(book, "alice", market, units(1000), 1000)
	require.NoError(t, err)
	before, _ := l.Account("alice")

	_, err = l.ReserveMargin(book, "alice", market, units(9500), 1000)
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindInsufficientCollateral, e.Kind)
	assert.Equal(t, units(950), e.Required)
	assert.Equal(t, units(900), e.Available)

	after, _ := l.Account("alice")
	assert.Equal(t, before, after)
}

func TestReserveRequiresBookIdentity(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000)})

	_, err := l.ReserveMargin(authz.Trader("alice"), "alice", market, units(10), 1000)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = l.ReserveMargin(authz.Book("BTC-PERP"), "alice", market, units(10), 1000)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestReleaseIsFloored(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(100)})
	_, err := l.ReserveMargin(book, "alice", market, units(100), 1000)
	require.NoError(t, err)

	released, err := l.ReleaseMargin(book, "alice", market, units(50))
	require.NoError(t, err)
	assert.Equal(t, units(10), released)

	a, _ := l.Account("alice")
	assert.Zero(t, a.MarginReserved)
	assert.Equal(t, units(100), a.Available())
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.ReserveMargin(book, "alice", market, units(1000), 1000); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Zero(t, l.Available("alice"))
}

func TestApplyFillOpensAndAverages(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(10_000)})
	reserved, err := l.ReserveMargin(book, "alice", market, units(4000), 1010)
	require.NoError(t, err)

	res, err := l.ApplyFill(book, Fill{
		Owner: "alice", Market: market, Side: orderbook.Buy,
		Price: units(1000), Size: units(1), MarginBps: 1000, FeeBps: 10,
		Reserved: reserved / 4,
	})
	require.NoError(t, err)
	assert.Equal(t, units(100), res.MarginLocked)
	assert.Equal(t, units(1), res.Fee)
	assert.Equal(t, units(101), res.Consumed)

	_, err = l.ApplyFill(book, Fill{
		Owner: "alice", Market: market, Side: orderbook.Buy,
		Price: units(3000), Size: units(1), MarginBps: 1000, FeeBps: 10,
	})
	require.NoError(t, err)

	p, ok := l.Position("alice", market)
	require.True(t, ok)
	assert.Equal(t, units(2), p.Size)
	assert.Equal(t, units(2000), p.EntryPrice)
	assert.Equal(t, units(400), p.Margin)

	sink, _ := l.Account(DefaultFeeSink)
	assert.Equal(t, units(4), sink.Collateral)
}

func TestApplyFillRealizesAndFlips(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(10_000)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(100), Size: units(2), MarginBps: 1000})
	require.NoError(t, err)

	res, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Sell, Price: units(110), Size: units(3), MarginBps: 1000})
	require.NoError(t, err)
	assert.Equal(t, units(2), res.Closed)
	assert.Equal(t, units(1), res.Opened)
	assert.Equal(t, units(20), res.Realized)
	assert.Equal(t, units(20), res.MarginReleased)

	p, _ := l.Position("alice", market)
	assert.Equal(t, -units(1), p.Size)
	assert.Equal(t, units(110), p.EntryPrice)
	assert.Equal(t, units(11), p.Margin)

	a, _ := l.Account("alice")
	assert.Equal(t, units(20), a.RealizedPnL)
	assert.Equal(t, units(11), a.MarginUsed)
}

func TestFullCloseRemovesPosition(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Sell, Price: units(100), Size: units(1), MarginBps: 1000})
	require.NoError(t, err)
	_, err = l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(90), Size: units(1), MarginBps: 1000})
	require.NoError(t, err)

	_, ok := l.Position("alice", market)
	assert.False(t, ok)
	a, _ := l.Account("alice")
	assert.Equal(t, units(10), a.RealizedPnL)
	assert.Zero(t, a.MarginUsed)
}

func TestLossBeyondCollateralIsCoveredByInsurance(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(10), DefaultInsurance: units(1000)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(100), Size: units(1), MarginBps: 1000})
	require.NoError(t, err)

	res, err := l.ApplyFill(book, Fill{
		Owner: "alice", Market: market, Side: orderbook.Sell, Price: units(50), Size: units(1),
		MarginBps: 1000, Liquidation: true,
	})
	require.NoError(t, err)
	assert.Equal(t, units(40), res.BadDebt)
	assert.Zero(t, l.Available("alice"))

	ins, _ := l.Account(DefaultInsurance)
	assert.Equal(t, units(960), ins.Collateral)
}

func TestOrdinaryFillNeverDrawsOnInsurance(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(10), DefaultInsurance: units(1000)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(100), Size: units(1), MarginBps: 1000})
	require.NoError(t, err)

	res, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Sell, Price: units(50), Size: units(1), MarginBps: 1000})
	require.NoError(t, err)
	assert.Zero(t, res.BadDebt)

	ins, _ := l.Account(DefaultInsurance)
	assert.Equal(t, units(1000), ins.Collateral)
}

func TestRestingRemainderReservesMakerFee(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000)})

	reserved, err := l.ReserveForOrder(book, OrderPlan{
		Owner: "alice", Market: market, Side: orderbook.Sell,
		Legs:      []orderbook.Leg{{Price: units(100), Size: units(1)}},
		Rest:      orderbook.Leg{Price: units(100), Size: units(10)},
		MarginBps: 1000, FeeBps: 5, MakerFeeBps: 50,
	})
	require.NoError(t, err)
	// the leg at 1005 bps, the remainder at 1050 bps
	assert.Equal(t, units(10)+50_000+units(105), reserved)

	// a maker fill at the higher rate is paid out of the reservation
	res, err := l.ApplyFill(book, Fill{
		Owner: "alice", Market: market, Side: orderbook.Sell, Price: units(100), Size: units(10),
		MarginBps: 1000, FeeBps: 50, Reserved: units(105),
	})
	require.NoError(t, err)
	assert.Equal(t, units(105), res.Consumed)
	assert.Zero(t, res.BadDebt)
	assert.GreaterOrEqual(t, l.Available("alice"), int64(0))
}

func TestRestingCloseReservesItsLoss(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(40), DefaultInsurance: units(1000)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(100), Size: units(1), MarginBps: 1000})
	require.NoError(t, err)

	// resting sell at 70 loses 30 and frees 10 of margin
	reserved, err := l.ReserveForOrder(book, OrderPlan{
		Owner: "alice", Market: market, Side: orderbook.Sell,
		Rest:      orderbook.Leg{Price: units(70), Size: units(1)},
		MarginBps: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, units(7)+units(20), reserved)
	assert.Equal(t, units(3), l.Available("alice"))

	// the loss cannot be withdrawn from under the order
	assert.ErrorIs(t, l.Withdraw("alice", units(4)), errs.ErrInsufficientAvailable)

	res, err := l.ApplyFill(book, Fill{
		Owner: "alice", Market: market, Side: orderbook.Sell, Price: units(70), Size: units(1),
		MarginBps: 1000, Reserved: reserved,
	})
	require.NoError(t, err)
	assert.Equal(t, units(20), res.Consumed)
	assert.Zero(t, res.BadDebt)
	assert.Equal(t, units(3), l.Available("alice"))

	ins, _ := l.Account(DefaultInsurance)
	assert.Equal(t, units(1000), ins.Collateral)
}

func TestRestingCloseFarFromEntryNeedsTheWholeLoss(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(500)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(100), Size: units(10), MarginBps: 1000})
	require.NoError(t, err)

	_, err = l.ReserveForOrder(book, OrderPlan{
		Owner: "alice", Market: market, Side: orderbook.Sell,
		Rest:      orderbook.Leg{Price: 1, Size: units(10)},
		MarginBps: 1000,
	})
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindInsufficientCollateral, e.Kind)
	assert.Equal(t, units(900)-9, e.Required)
	assert.Equal(t, units(400), e.Available)
}

func TestTopUp(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(250)})
	plan := OrderPlan{
		Owner: "alice", Market: market, Side: orderbook.Buy,
		Rest:      orderbook.Leg{Price: units(100), Size: units(10)},
		MarginBps: 1000,
	}
	held, err := l.ReserveForOrder(book, plan)
	require.NoError(t, err)

	same, err := l.TopUp(book, plan, held)
	require.NoError(t, err)
	assert.Equal(t, held, same)

	plan.MarginBps = 2000
	held, err = l.TopUp(book, plan, held)
	require.NoError(t, err)
	assert.Equal(t, units(200), held)
	a, _ := l.Account("alice")
	assert.Equal(t, units(200), a.MarginReserved)

	plan.MarginBps = 5000
	kept, err := l.TopUp(book, plan, held)
	assert.ErrorIs(t, err, errs.ErrInsufficientCollateral)
	assert.Equal(t, held, kept)
	after, _ := l.Account("alice")
	assert.Equal(t, a, after)

	_, err = l.TopUp(authz.Trader("alice"), plan, held)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestDepositOverflowIsRejected(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": math.MaxInt64 - 10})

	err := l.Deposit("alice", 100)
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)

	a, _ := l.Account("alice")
	assert.Equal(t, int64(math.MaxInt64-10), a.Collateral)
	assert.Equal(t, int64(math.MaxInt64-10), a.Deposits)
}

func TestReserveRejectsOverflowingOrder(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000)})

	assert.NotPanics(t, func() {
		_, err := l.ReserveForOrder(book, OrderPlan{
			Owner: "alice", Market: market, Side: orderbook.Buy,
			Rest:      orderbook.Leg{Price: units(10_000_000_000), Size: units(10_000_000_000)},
			MarginBps: 1000,
		})
		assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	})

	assert.NotPanics(t, func() {
		_, err := l.ReserveForOrder(book, OrderPlan{
			Owner: "alice", Market: market, Side: orderbook.Sell,
			Legs: []orderbook.Leg{
				{Price: math.MaxInt64 / 2, Size: units(1)},
				{Price: math.MaxInt64 / 2, Size: units(1)},
				{Price: math.MaxInt64 / 2, Size: units(1)},
			},
			MarginBps: 1000,
		})
		assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	})
	assert.Zero(t, l.accounts["alice"].MarginReserved)
}

func TestProjectedLossCountsAgainstAvailability(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(20)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(100), Size: units(1), MarginBps: 1000})
	require.NoError(t, err)
	// available 10, margin 10; selling at 70 loses 30 while freeing 10.
	_, err = l.ReserveForOrder(book, OrderPlan{
		Owner: "alice", Market: market, Side: orderbook.Sell,
		Legs:      []orderbook.Leg{{Price: units(70), Size: units(1)}},
		MarginBps: 1000,
	})
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindInsufficientCollateral, e.Kind)
	assert.Equal(t, units(7)+units(20), e.Required)
}

func TestWithdraw(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(100)})
	_, err := l.ReserveMargin(book, "alice", market, units(500), 1000)
	require.NoError(t, err)

	err = l.Withdraw("alice", units(60))
	assert.ErrorIs(t, err, errs.ErrInsufficientAvailable)

	require.NoError(t, l.Withdraw("alice", units(50)))
	a, _ := l.Account("alice")
	assert.Equal(t, units(50), a.Collateral)
	assert.Equal(t, units(50), a.Withdrawals)
}

func TestSummaryAndSettlement(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(100), Size: units(2), MarginBps: 1000})
	require.NoError(t, err)

	s := l.Summary("alice", staticPrices{market: units(120)})
	assert.Equal(t, units(40), s.UnrealizedPnL)
	assert.Equal(t, units(20), s.MarginUsed)
	assert.Equal(t, units(980), s.AvailableCollateral)
	assert.Equal(t, units(1040), s.PortfolioValue)
	require.Len(t, s.Positions, 1)

	_, _, err = l.SettlePosition(book, "alice", market, units(130), 0)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	res, ok, err := l.SettlePosition(authz.System(), "alice", market, units(130), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, units(60), res.Realized)
	assert.Equal(t, units(1060), l.Available("alice"))
}

func TestChargePenaltyFlooredAtAvailable(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(5)})
	charged, err := l.ChargePenalty(authz.System(), "alice", market, units(8))
	require.NoError(t, err)
	assert.Equal(t, units(5), charged)
	assert.Zero(t, l.Available("alice"))
	ins, _ := l.Account(DefaultInsurance)
	assert.Equal(t, units(5), ins.Collateral)
}

func TestExportRestore(t *testing.T) {
	l := newLedger(t, map[string]int64{"alice": units(1000), "bob": units(50)})
	_, err := l.ApplyFill(book, Fill{Owner: "alice", Market: market, Side: orderbook.Buy, Price: units(100), Size: units(1), MarginBps: 1000})
	require.NoError(t, err)

	restored := New(Config{})
	restored.Restore(l.Export())
	assert.Equal(t, l.Export(), restored.Export())
}
