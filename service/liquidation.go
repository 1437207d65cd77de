package service

import (
	"math"
	"sort"

	"perpex/domain/authz"
	"perpex/domain/events"
	"perpex/domain/fixed"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/domain/orderbook"
)

type RiskState uint8

const (
	Healthy RiskState = iota
	AtRisk
	Liquidating
	Closed
)

func (s RiskState) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case AtRisk:
		return "AT_RISK"
	case Liquidating:
		return "LIQUIDATING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type riskKey struct {
	owner  string
	market string
}

// LiquidationMonitor tracks the health of every open position. It runs
// inside venue commands after fills, mark updates and parameter changes,
// so it always sees the state those commands produced.
type LiquidationMonitor struct {
	v *Venue
	// states holds non-healthy positions only.
	states map[riskKey]RiskState
}

func newLiquidationMonitor(v *Venue) *LiquidationMonitor {
	return &LiquidationMonitor{v: v, states: make(map[riskKey]RiskState)}
}

func (lm *LiquidationMonitor) state(owner, mkt string) RiskState {
	return lm.states[riskKey{owner, mkt}]
}

func (lm *LiquidationMonitor) set(k riskKey, s RiskState) {
	if s == Healthy || s == Closed {
		delete(lm.states, k)
		return
	}
	lm.states[k] = s
}

// health reports equity, notional and their ratio in bps at mark. Cross
// positions count the account's free collateral as equity.
func (lm *LiquidationMonitor) health(p ledger.Position, mark int64) (equity, notional, ratio int64) {
	notional = p.Notional(mark)
	equity = p.Margin + p.Unrealized(mark)
	if p.Mode == orderbook.Cross {
		equity += max(lm.v.ledger.Available(p.Owner), 0)
	}
	if notional == 0 {
		return equity, 0, math.MaxInt64
	}
	return equity, notional, fixed.MulDiv(equity, fixed.BpsDenominator, notional)
}

// evaluate checks owners' positions in mkt, or every position when owners
// is nil, and liquidates those below maintenance. Positions already being
// liquidated further up the call chain are skipped.
func (lm *LiquidationMonitor) evaluate(mkt string, owners []string) {
	m, book, err := lm.v.market(mkt)
	if err != nil || m.Status == market.Settled {
		return
	}
	mark := m.Reference()
	if mark <= 0 {
		return
	}

	if owners == nil {
		for _, p := range lm.v.ledger.MarketPositions(mkt) {
			owners = append(owners, p.Owner)
		}
	} else {
		owners = uniqueSorted(owners)
	}

	threshold := m.Params.MaintenanceBps + m.Params.BufferBps
	for _, owner := range owners {
		k := riskKey{owner, mkt}
		if lm.states[k] == Liquidating {
			continue
		}
		p, ok := lm.v.ledger.Position(owner, mkt)
		if !ok {
			delete(lm.states, k)
			continue
		}

		equity, notional, ratio := lm.health(p, mark)
		switch {
		case ratio >= threshold:
			lm.set(k, Healthy)
		case ratio >= m.Params.MaintenanceBps:
			if lm.states[k] != AtRisk {
				lm.set(k, AtRisk)
				lm.v.emit(events.PositionAtRisk, mkt, events.RiskData{
					Owner: owner, Size: p.Size, RatioBps: ratio, State: AtRisk.String(),
				})
			}
		default:
			lm.liquidate(m, book, p, mark, equity, notional, ratio)
		}
	}
}

// liquidate submits a reduce-only market order against p. Without
// counter-liquidity the position stays AT_RISK and is retried on the next
// evaluation.
func (lm *LiquidationMonitor) liquidate(m *market.Market, book *orderbook.OrderBook, p ledger.Position, mark, equity, notional, ratio int64) {
	v := lm.v
	k := riskKey{p.Owner, m.ID}
	lm.set(k, Liquidating)

	side := orderbook.Sell
	if p.Size < 0 {
		side = orderbook.Buy
	}
	o := &orderbook.Order{
		ID:         v.orderSeq.Next(),
		Market:     m.ID,
		Owner:      p.Owner,
		Side:       side,
		Kind:       orderbook.Market,
		Size:       closeSize(p, m.Params, equity, notional),
		Status:     orderbook.Open,
		CreatedAt:  v.at,
		Mode:       p.Mode,
		ReduceOnly: true,
	}
	v.emit(events.OrderPlaced, m.ID, events.OrderPlacedData{
		OrderID: o.ID,
		Owner:   o.Owner,
		Side:    o.Side.String(),
		Kind:    o.Kind.String(),
		Size:    o.Size,
		Mode:    o.Mode.String(),
	})

	x := v.execute(m, book, o, 0)
	v.finish(book, o)
	v.topUpResting(m, book, x.opened)
	v.observeBook(book)

	if o.Filled == 0 {
		lm.set(k, AtRisk)
		v.emit(events.LiquidationDeferred, m.ID, events.RiskData{
			Owner: p.Owner, Size: p.Size, RatioBps: ratio, State: AtRisk.String(),
		})
		v.metrics.ObserveLiquidation(m.ID, "deferred")
		v.log.Warn("liquidation deferred, no counter-liquidity", "market", m.ID, "owner", p.Owner, "ratio_bps", ratio)
		return
	}

	penalty := fixed.Bps(x.notional, m.Params.PenaltyBps)
	if m.Params.PenaltyCapBps > 0 {
		penalty = min(penalty, fixed.Bps(x.released, m.Params.PenaltyCapBps))
	}
	charged, err := v.ledger.ChargePenalty(authz.System(), p.Owner, m.ID, penalty)
	if err != nil {
		v.log.Error("charge liquidation penalty", "market", m.ID, "owner", p.Owner, "error", err)
	}

	after, open := v.ledger.Position(p.Owner, m.ID)
	outcome := Closed
	if open {
		outcome = AtRisk
		if _, _, r := lm.health(after, mark); r >= m.Params.MaintenanceBps+m.Params.BufferBps {
			outcome = Healthy
		}
	}
	lm.set(k, outcome)

	v.emit(events.PositionLiquidated, m.ID, events.LiquidationData{
		Owner:     p.Owner,
		Closed:    o.Filled,
		Remaining: after.Size,
		Penalty:   charged,
		Realized:  x.realized,
	})
	label := "reduced"
	if !open {
		label = "closed"
	}
	v.metrics.ObserveLiquidation(m.ID, label)
	v.log.Info("position liquidated", "market", m.ID, "owner", p.Owner,
		"closed", o.Filled, "remaining", after.Size, "penalty", charged, "state", outcome.String())

	// makers that took the other side may now be under water themselves
	lm.evaluate(m.ID, x.owners)
}

// closeSize is the smallest reduction that brings the position back to
// maintenance+buffer once the penalty on the closed part is paid:
//
//	size * (t*N - Q) / ((t-p)*N)
//
// with N notional at mark, Q equity, t the threshold and p the penalty rate.
// Isolated positions, non-positive equity and thresholds at or below the
// penalty rate close fully.
func closeSize(p ledger.Position, params market.Params, equity, notional int64) int64 {
	full := p.Size
	if full < 0 {
		full = -full
	}
	t := params.MaintenanceBps + params.BufferBps
	if p.Mode == orderbook.Isolated || equity <= 0 || t <= params.PenaltyBps {
		return full
	}
	num := fixed.Bps(notional, t) - equity
	den := fixed.Bps(notional, t-params.PenaltyBps)
	if num <= 0 || den <= 0 {
		return full
	}

	size := fixed.MulDivUp(full, num, den)
	if lot := params.LotSize; lot > 0 {
		size = (size + lot - 1) / lot * lot
	}
	return min(max(size, 1), full)
}

func uniqueSorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i == 0 || s != out[n-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}
