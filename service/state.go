package service

import (
	"sort"

	"perpex/domain/market"
	"perpex/domain/orderbook"
	"perpex/snapshot"
)

// Export captures the venue under the read lock. Seq is the last journaled
// command the image contains.
func (v *Venue) Export() *snapshot.Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s := &snapshot.Snapshot{
		Seq:      v.cmdSeq.Current(),
		OrderSeq: v.orderSeq.Current(),
		EventSeq: v.eventSeq.Current(),
		Created:  v.cfg.Clock(),
		Ledger:   v.ledger.Export(),
	}
	for _, m := range v.markets.List() {
		s.Markets = append(s.Markets, *m)
	}
	for _, b := range v.sortedBooks() {
		for _, o := range b.Orders() {
			s.Orders = append(s.Orders, snapshot.OrderEntry{
				ID:        o.ID,
				Market:    o.Market,
				Owner:     o.Owner,
				Side:      uint8(o.Side),
				Kind:      uint8(o.Kind),
				Status:    uint8(o.Status),
				Mode:      uint8(o.Mode),
				Price:     o.Price,
				Size:      o.Size,
				Filled:    o.Filled,
				Reserved:  o.Reserved,
				CreatedAt: o.CreatedAt,
			})
		}
	}
	for k, st := range v.risk.states {
		s.Risk = append(s.Risk, snapshot.RiskEntry{Owner: k.owner, Market: k.market, State: uint8(st)})
	}
	sort.Slice(s.Risk, func(i, j int) bool {
		if s.Risk[i].Market != s.Risk[j].Market {
			return s.Risk[i].Market < s.Risk[j].Market
		}
		return s.Risk[i].Owner < s.Risk[j].Owner
	})
	return s
}

// Restore replaces all venue state with s. Orders are re-rested in the
// order they were exported, which preserves queue priority.
func (v *Venue) Restore(s *snapshot.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.markets = market.NewRegistry()
	v.books = make(map[string]*orderbook.OrderBook, len(s.Markets))
	for _, m := range s.Markets {
		v.markets.Put(m)
		v.books[m.ID] = orderbook.NewOrderBook(m.ID, v.cfg.SelfTrade)
	}
	for _, e := range s.Orders {
		b, ok := v.books[e.Market]
		if !ok {
			v.log.Warn("snapshot order for unknown market", "market", e.Market, "order_id", e.ID)
			continue
		}
		b.Rest(&orderbook.Order{
			ID:        e.ID,
			Market:    e.Market,
			Owner:     e.Owner,
			Side:      orderbook.Side(e.Side),
			Kind:      orderbook.Kind(e.Kind),
			Status:    orderbook.Status(e.Status),
			Mode:      orderbook.MarginMode(e.Mode),
			Price:     e.Price,
			Size:      e.Size,
			Filled:    e.Filled,
			Reserved:  e.Reserved,
			CreatedAt: e.CreatedAt,
		})
	}
	v.ledger.Restore(s.Ledger)

	v.risk.states = make(map[riskKey]RiskState, len(s.Risk))
	for _, r := range s.Risk {
		v.risk.states[riskKey{r.Owner, r.Market}] = RiskState(r.State)
	}

	v.cmdSeq.Reset(s.Seq)
	v.orderSeq.Reset(s.OrderSeq)
	v.eventSeq.Reset(s.EventSeq)
}
