// Package dto holds the wire shapes shared by the gRPC and HTTP surfaces.
// Prices, sizes and amounts travel as decimal strings; rates stay in bps.
package dto

import (
	"perpex/domain/errs"
	"perpex/domain/fixed"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/domain/orderbook"
	"perpex/service"
)

type Empty struct{}

type PlaceLimitRequest struct {
	Market string `json:"market"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Mode   string `json:"mode,omitempty"`
}

type PlaceMarketRequest struct {
	Market         string `json:"market"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	Mode           string `json:"mode,omitempty"`
	MaxSlippageBps int64  `json:"max_slippage_bps,omitempty"`
}

type Order struct {
	ID        uint64 `json:"id"`
	Market    string `json:"market"`
	Owner     string `json:"owner"`
	Side      string `json:"side"`
	Kind      string `json:"kind"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Filled    string `json:"filled"`
	Status    string `json:"status"`
	Mode      string `json:"mode"`
	Reserved  string `json:"reserved"`
	CreatedAt int64  `json:"created_at"`
}

type Trade struct {
	MakerOrderID uint64 `json:"maker_order_id"`
	Maker        string `json:"maker"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Fee          string `json:"fee"`
}

type PlaceOrderResponse struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

type OrderRequest struct {
	OrderID uint64 `json:"order_id"`
}

type BatchCancelRequest struct {
	OrderIDs []uint64 `json:"order_ids"`
}

type CancelOutcome struct {
	OrderID uint64 `json:"order_id"`
	Order   *Order `json:"order,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type BatchCancelResponse struct {
	Results []CancelOutcome `json:"results"`
}

type CollateralRequest struct {
	Owner  string `json:"owner,omitempty"`
	Amount string `json:"amount"`
}

type Account struct {
	Owner          string `json:"owner"`
	Collateral     string `json:"collateral"`
	MarginReserved string `json:"margin_reserved"`
	MarginUsed     string `json:"margin_used"`
	RealizedPnL    string `json:"realized_pnl"`
	Available      string `json:"available"`
}

type MarkPriceRequest struct {
	Market string `json:"market"`
	Price  string `json:"price"`
}

type MarketParams struct {
	MarginBps      int64  `json:"margin_bps"`
	FeeBps         int64  `json:"fee_bps"`
	MakerFeeBps    int64  `json:"maker_fee_bps"`
	MaintenanceBps int64  `json:"maintenance_bps"`
	BufferBps      int64  `json:"buffer_bps"`
	PenaltyBps     int64  `json:"penalty_bps"`
	PenaltyCapBps  int64  `json:"penalty_cap_bps"`
	MinPrice       string `json:"min_price,omitempty"`
	MaxPrice       string `json:"max_price,omitempty"`
	TickSize       string `json:"tick_size,omitempty"`
	LotSize        string `json:"lot_size,omitempty"`
}

type MarketRequest struct {
	Market string       `json:"market"`
	Params MarketParams `json:"params"`
}

type Market struct {
	ID              string       `json:"id"`
	Status          string       `json:"status"`
	Params          MarketParams `json:"params"`
	MarkPrice       string       `json:"mark_price"`
	LastTradePrice  string       `json:"last_trade_price"`
	SettlementPrice string       `json:"settlement_price,omitempty"`
}

type Markets struct {
	Markets []Market `json:"markets"`
}

type SettleRequest struct {
	Market string `json:"market"`
	Price  string `json:"price"`
}

type SettledPosition struct {
	Owner    string `json:"owner"`
	Size     string `json:"size"`
	Realized string `json:"realized"`
	BadDebt  string `json:"bad_debt,omitempty"`
}

type Settlement struct {
	Market          string            `json:"market"`
	Price           string            `json:"price"`
	CancelledOrders int               `json:"cancelled_orders"`
	Positions       []SettledPosition `json:"positions"`
}

type OwnerRequest struct {
	Owner  string `json:"owner,omitempty"`
	Market string `json:"market,omitempty"`
}

type Orders struct {
	Orders []Order `json:"orders"`
}

type Position struct {
	Market     string `json:"market"`
	Size       string `json:"size"`
	EntryPrice string `json:"entry_price"`
	Margin     string `json:"margin"`
	Mode       string `json:"mode"`
	Mark       string `json:"mark"`
	Unrealized string `json:"unrealized"`
	Risk       string `json:"risk"`
}

type MarginSummary struct {
	Owner          string     `json:"owner"`
	Collateral     string     `json:"collateral"`
	MarginUsed     string     `json:"margin_used"`
	MarginReserved string     `json:"margin_reserved"`
	Available      string     `json:"available"`
	RealizedPnL    string     `json:"realized_pnl"`
	UnrealizedPnL  string     `json:"unrealized_pnl"`
	PortfolioValue string     `json:"portfolio_value"`
	Positions      []Position `json:"positions"`
}

type BookRequest struct {
	Market string `json:"market"`
	Levels int    `json:"levels,omitempty"`
}

type Level struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders"`
}

type Book struct {
	Market string  `json:"market"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

type BestPrices struct {
	Market string `json:"market"`
	Bid    string `json:"bid,omitempty"`
	Ask    string `json:"ask,omitempty"`
}

// ---- request decoding ----

// Amount parses a decimal field, naming it in the error.
func Amount(name, raw string) (int64, error) {
	if raw == "" {
		return 0, errs.Invalid("%s is required", name)
	}
	v, err := fixed.Parse(raw)
	if err != nil {
		return 0, errs.Invalid("%s %q: %v", name, raw, err)
	}
	return v, nil
}

func (r PlaceLimitRequest) Decode() (service.LimitOrder, error) {
	side, ok := orderbook.ParseSide(r.Side)
	if !ok {
		return service.LimitOrder{}, errs.Invalid("side %q", r.Side)
	}
	mode, ok := orderbook.ParseMarginMode(r.Mode)
	if !ok {
		return service.LimitOrder{}, errs.Invalid("mode %q", r.Mode)
	}
	price, err := Amount("price", r.Price)
	if err != nil {
		return service.LimitOrder{}, err
	}
	size, err := Amount("size", r.Size)
	if err != nil {
		return service.LimitOrder{}, err
	}
	return service.LimitOrder{Market: r.Market, Side: side, Price: price, Size: size, Mode: mode}, nil
}

func (r PlaceMarketRequest) Decode() (service.MarketOrder, error) {
	side, ok := orderbook.ParseSide(r.Side)
	if !ok {
		return service.MarketOrder{}, errs.Invalid("side %q", r.Side)
	}
	mode, ok := orderbook.ParseMarginMode(r.Mode)
	if !ok {
		return service.MarketOrder{}, errs.Invalid("mode %q", r.Mode)
	}
	size, err := Amount("size", r.Size)
	if err != nil {
		return service.MarketOrder{}, err
	}
	return service.MarketOrder{
		Market: r.Market, Side: side, Size: size, Mode: mode, MaxSlippageBps: r.MaxSlippageBps,
	}, nil
}

func (p MarketParams) Decode() (market.Params, error) {
	out := market.Params{
		MarginBps:      p.MarginBps,
		FeeBps:         p.FeeBps,
		MakerFeeBps:    p.MakerFeeBps,
		MaintenanceBps: p.MaintenanceBps,
		BufferBps:      p.BufferBps,
		PenaltyBps:     p.PenaltyBps,
		PenaltyCapBps:  p.PenaltyCapBps,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"min_price", p.MinPrice, &out.MinPrice},
		{"max_price", p.MaxPrice, &out.MaxPrice},
		{"tick_size", p.TickSize, &out.TickSize},
		{"lot_size", p.LotSize, &out.LotSize},
	} {
		if f.raw == "" {
			continue
		}
		v, err := Amount(f.name, f.raw)
		if err != nil {
			return out, err
		}
		*f.dst = v
	}
	return out, nil
}

// ---- rendering ----

func amount(v int64) string { return fixed.Format(v) }

func optional(v int64) string {
	if v == 0 {
		return ""
	}
	return fixed.Format(v)
}

func FromOrder(o service.OrderView) Order {
	return Order{
		ID:        o.ID,
		Market:    o.Market,
		Owner:     o.Owner,
		Side:      o.Side.String(),
		Kind:      o.Kind.String(),
		Price:     amount(o.Price),
		Size:      amount(o.Size),
		Filled:    amount(o.Filled),
		Status:    o.Status.String(),
		Mode:      o.Mode.String(),
		Reserved:  amount(o.Reserved),
		CreatedAt: o.CreatedAt,
	}
}

func FromOrders(list []service.OrderView) Orders {
	out := Orders{Orders: make([]Order, 0, len(list))}
	for _, o := range list {
		out.Orders = append(out.Orders, FromOrder(o))
	}
	return out
}

func FromPlacement(p service.Placement) PlaceOrderResponse {
	out := PlaceOrderResponse{Order: FromOrder(p.Order), Trades: make([]Trade, 0, len(p.Trades))}
	for _, t := range p.Trades {
		out.Trades = append(out.Trades, Trade{
			MakerOrderID: t.MakerOrderID,
			Maker:        t.Maker,
			Price:        amount(t.Price),
			Size:         amount(t.Size),
			Fee:          amount(t.Fee),
		})
	}
	return out
}

func FromCancelResults(res []service.CancelResult) BatchCancelResponse {
	out := BatchCancelResponse{Results: make([]CancelOutcome, 0, len(res))}
	for _, r := range res {
		c := CancelOutcome{OrderID: r.OrderID}
		if r.Err != nil {
			c.Error = r.Err.Error()
			c.Kind = errs.KindOf(r.Err).String()
		} else {
			o := FromOrder(r.Order)
			c.Order = &o
		}
		out.Results = append(out.Results, c)
	}
	return out
}

func FromAccount(a ledger.Account) Account {
	return Account{
		Owner:          a.Owner,
		Collateral:     amount(a.Collateral),
		MarginReserved: amount(a.MarginReserved),
		MarginUsed:     amount(a.MarginUsed),
		RealizedPnL:    amount(a.RealizedPnL),
		Available:      amount(a.Available()),
	}
}

func FromParams(p market.Params) MarketParams {
	return MarketParams{
		MarginBps:      p.MarginBps,
		FeeBps:         p.FeeBps,
		MakerFeeBps:    p.MakerFeeBps,
		MaintenanceBps: p.MaintenanceBps,
		BufferBps:      p.BufferBps,
		PenaltyBps:     p.PenaltyBps,
		PenaltyCapBps:  p.PenaltyCapBps,
		MinPrice:       optional(p.MinPrice),
		MaxPrice:       optional(p.MaxPrice),
		TickSize:       optional(p.TickSize),
		LotSize:        optional(p.LotSize),
	}
}

func FromMarket(m market.Market) Market {
	return Market{
		ID:              m.ID,
		Status:          m.Status.String(),
		Params:          FromParams(m.Params),
		MarkPrice:       amount(m.MarkPrice),
		LastTradePrice:  amount(m.LastTradePrice),
		SettlementPrice: optional(m.SettlementPrice),
	}
}

func FromMarkets(list []market.Market) Markets {
	out := Markets{Markets: make([]Market, 0, len(list))}
	for _, m := range list {
		out.Markets = append(out.Markets, FromMarket(m))
	}
	return out
}

func FromSettlement(r service.SettlementReport) Settlement {
	out := Settlement{
		Market:          r.Market,
		Price:           amount(r.Price),
		CancelledOrders: r.CancelledOrders,
		Positions:       make([]SettledPosition, 0, len(r.Positions)),
	}
	for _, p := range r.Positions {
		out.Positions = append(out.Positions, SettledPosition{
			Owner:    p.Owner,
			Size:     amount(p.Size),
			Realized: amount(p.Realized),
			BadDebt:  optional(p.BadDebt),
		})
	}
	return out
}

// FromMargin renders a margin summary with each position's liquidation
// state.
func FromMargin(s ledger.MarginSummary, positions []service.PositionView) MarginSummary {
	risk := make(map[string]string, len(positions))
	for _, p := range positions {
		risk[p.Market] = p.Risk.String()
	}
	out := MarginSummary{
		Owner:          s.Owner,
		Collateral:     amount(s.TotalCollateral),
		MarginUsed:     amount(s.MarginUsed),
		MarginReserved: amount(s.MarginReserved),
		Available:      amount(s.AvailableCollateral),
		RealizedPnL:    amount(s.RealizedPnL),
		UnrealizedPnL:  amount(s.UnrealizedPnL),
		PortfolioValue: amount(s.PortfolioValue),
		Positions:      make([]Position, 0, len(s.Positions)),
	}
	for _, p := range s.Positions {
		state, ok := risk[p.Market]
		if !ok {
			state = service.Healthy.String()
		}
		out.Positions = append(out.Positions, Position{
			Market:     p.Market,
			Size:       amount(p.Size),
			EntryPrice: amount(p.EntryPrice),
			Margin:     amount(p.Margin),
			Mode:       p.Mode.String(),
			Mark:       amount(p.Mark),
			Unrealized: amount(p.Unrealized),
			Risk:       state,
		})
	}
	return out
}

func levels(in []orderbook.LevelView) []Level {
	out := make([]Level, 0, len(in))
	for _, l := range in {
		out = append(out, Level{Price: amount(l.Price), Size: amount(l.TotalSize), Orders: l.OrderCount})
	}
	return out
}

func FromDepth(mkt string, d orderbook.Depth) Book {
	return Book{Market: mkt, Bids: levels(d.Bids), Asks: levels(d.Asks)}
}

func FromBest(mkt string, b orderbook.BestPrices) BestPrices {
	out := BestPrices{Market: mkt}
	if b.HasBid {
		out.Bid = amount(b.Bid)
	}
	if b.HasAsk {
		out.Ask = amount(b.Ask)
	}
	return out
}
