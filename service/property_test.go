package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"perpex/domain/authz"
	"perpex/domain/events"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/domain/orderbook"
)

func drawParams(t *rapid.T) market.Params {
	margin := rapid.Int64Range(500, 3000).Draw(t, "margin_bps")
	return market.Params{
		MarginBps:      margin,
		MaintenanceBps: rapid.Int64Range(100, margin/2).Draw(t, "maintenance_bps"),
		BufferBps:      rapid.Int64Range(0, 200).Draw(t, "buffer_bps"),
		FeeBps:         rapid.Int64Range(0, 30).Draw(t, "fee_bps"),
		MakerFeeBps:    rapid.Int64Range(0, 60).Draw(t, "maker_fee_bps"),
		PenaltyBps:     rapid.Int64Range(0, 300).Draw(t, "penalty_bps"),
		PenaltyCapBps:  rapid.Int64Range(0, 5000).Draw(t, "penalty_cap_bps"),
	}
}

func insuranceBalance(v *Venue) int64 {
	a, _ := v.Ledger().Account(ledger.DefaultInsurance)
	return a.Collateral
}

// requireInsuranceMovesExplained checks that the fund only moved by the
// penalties and covers in evs, and that every cover belongs to a
// liquidation or settlement that followed it.
func requireInsuranceMovesExplained(t *rapid.T, evs []events.Event, before, after int64) {
	var want int64
	for i, ev := range evs {
		switch ev.Type {
		case events.PositionLiquidated:
			var d events.LiquidationData
			require.NoError(t, ev.Decode(&d))
			want += d.Penalty
		case events.BadDebtCovered:
			var d events.BadDebtData
			require.NoError(t, ev.Decode(&d))
			want -= d.Amount

			closed := false
			for _, later := range evs[i+1:] {
				if later.Type == events.MarketSettled {
					closed = true
					break
				}
				if later.Type == events.PositionLiquidated {
					var ld events.LiquidationData
					require.NoError(t, later.Decode(&ld))
					if ld.Owner == d.Owner {
						closed = true
						break
					}
				}
			}
			require.True(t, closed, "insurance covered %s outside a liquidation or settlement", d.Owner)
		}
	}
	require.Equal(t, before+want, after, "insurance fund moved without a penalty or cover")
}

// Whatever traders do, however far the mark moves and however the market is
// re-parameterized, nobody but the insurance fund ends up with negative free
// collateral, every account's reserved margin is exactly what its resting
// orders still hold, and the fund only pays out for liquidations and
// settlement.
func TestCollateralInvariants(t *testing.T) {
	owners := []string{"a", "b", "c"}

	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		sink := &captured{}
		v := New(Config{Clock: stepClock()}, Options{Events: sink})
		_, err := v.CreateMarket(ctx, admin, btc, drawParams(t))
		require.NoError(t, err)

		check := func(from int, insBefore int64) {
			requireInsuranceMovesExplained(t, sink.events[from:], insBefore, insuranceBalance(v))
			for _, o := range owners {
				require.GreaterOrEqual(t, v.Ledger().Available(o), int64(0), "available of %s", o)

				var held int64
				for _, ov := range v.OpenOrders(o, "") {
					held += ov.Reserved
				}
				a, _ := v.Ledger().Account(o)
				require.Equal(t, held, a.MarginReserved, "reserved of %s", o)
			}
		}

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			owner := rapid.SampledFrom(owners).Draw(t, "owner")
			trader := authz.Trader(owner)
			side := orderbook.Side(rapid.IntRange(0, 1).Draw(t, "side"))
			size := u(rapid.Int64Range(1, 5).Draw(t, "size"))
			from, insBefore := len(sink.events), insuranceBalance(v)

			switch rapid.IntRange(0, 6).Draw(t, "op") {
			case 0:
				_, err = v.Deposit(ctx, trader, owner, u(rapid.Int64Range(1, 500).Draw(t, "amount")))
				require.NoError(t, err)
			case 1:
				_, _ = v.Withdraw(ctx, trader, owner, u(rapid.Int64Range(1, 200).Draw(t, "amount")))
			case 2:
				_, _ = v.PlaceLimitOrder(ctx, trader, LimitOrder{
					Market: btc, Side: side, Size: size,
					Price: u(rapid.Int64Range(60, 140).Draw(t, "price")),
				})
			case 3:
				_, _ = v.PlaceMarketOrder(ctx, trader, MarketOrder{Market: btc, Side: side, Size: size})
			case 4:
				open := v.OpenOrders(owner, btc)
				if len(open) == 0 {
					continue
				}
				o := open[rapid.IntRange(0, len(open)-1).Draw(t, "idx")]
				_, err = v.CancelOrder(ctx, trader, o.ID)
				require.NoError(t, err)
			case 5:
				require.NoError(t, v.UpdateMarkPrice(ctx, oracle, btc, u(rapid.Int64Range(60, 140).Draw(t, "mark"))))
			case 6:
				_, err = v.UpdateMarket(ctx, admin, btc, drawParams(t))
				require.NoError(t, err)
			}
			check(from, insBefore)
		}

		from, insBefore := len(sink.events), insuranceBalance(v)
		_, err = v.SettleMarket(ctx, settle, btc, u(rapid.Int64Range(60, 140).Draw(t, "settlement")))
		require.NoError(t, err)
		check(from, insBefore)
	})
}
