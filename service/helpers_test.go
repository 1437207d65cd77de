package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"perpex/domain/authz"
	"perpex/domain/events"
	"perpex/domain/fixed"
	"perpex/domain/market"
	"perpex/domain/orderbook"
)

const btc = "BTC-PERP"

var (
	admin  = authz.System()
	oracle = authz.Caller{Subject: "oracle", Grants: []authz.Grant{{Capability: authz.CapOracle, Market: authz.AnyMarket}}}
	settle = authz.Caller{Subject: "settler", Grants: []authz.Grant{{Capability: authz.CapSettle, Market: btc}}}
)

func u(n int64) int64 { return fixed.Units(n) }

type captured struct {
	events []events.Event
}

func (c *captured) Emit(ev events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *captured) types() []events.Type {
	out := make([]events.Type, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *captured) ofType(typ events.Type) []events.Event {
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *captured) last() events.Event {
	return c.events[len(c.events)-1]
}

// stepClock advances one microsecond per reading.
func stepClock() func() time.Time {
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		now = now.Add(time.Microsecond)
		return now
	}
}

func testParams() market.Params {
	return market.Params{
		MarginBps:      1000,
		MaintenanceBps: 500,
		BufferBps:      100,
		PenaltyBps:     100,
		PenaltyCapBps:  5000,
	}
}

type harness struct {
	t    *testing.T
	ctx  context.Context
	v    *Venue
	sink *captured
}

func newHarness(t *testing.T, cfg Config, opts Options) *harness {
	t.Helper()
	sink := &captured{}
	if opts.Events == nil {
		opts.Events = sink
	}
	if cfg.Clock == nil {
		cfg.Clock = stepClock()
	}
	return &harness{t: t, ctx: context.Background(), v: New(cfg, opts), sink: sink}
}

func newVenue(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, Config{}, Options{})
	h.market(btc, testParams())
	return h
}

func (h *harness) market(id string, p market.Params) {
	h.t.Helper()
	_, err := h.v.CreateMarket(h.ctx, admin, id, p)
	require.NoError(h.t, err)
}

func (h *harness) fund(owner string, amount int64) {
	h.t.Helper()
	_, err := h.v.Deposit(h.ctx, authz.Trader(owner), owner, amount)
	require.NoError(h.t, err)
}

func (h *harness) limit(owner string, side orderbook.Side, size, price int64) Placement {
	h.t.Helper()
	p, err := h.v.PlaceLimitOrder(h.ctx, authz.Trader(owner), LimitOrder{
		Market: btc, Side: side, Size: size, Price: price,
	})
	require.NoError(h.t, err)
	return p
}

func (h *harness) isolated(owner string, side orderbook.Side, size, price int64) Placement {
	h.t.Helper()
	p, err := h.v.PlaceLimitOrder(h.ctx, authz.Trader(owner), LimitOrder{
		Market: btc, Side: side, Size: size, Price: price, Mode: orderbook.Isolated,
	})
	require.NoError(h.t, err)
	return p
}

func (h *harness) mark(price int64) {
	h.t.Helper()
	require.NoError(h.t, h.v.UpdateMarkPrice(h.ctx, oracle, btc, price))
}

func (h *harness) available(owner string) int64 {
	return h.v.MarginSummary(owner).AvailableCollateral
}
