// Package market holds per-market trading parameters and lifecycle state.
package market

import (
	"sort"

	"perpex/domain/errs"
	"perpex/domain/fixed"
)

type Status uint8

const (
	Active Status = iota
	Paused
	Settled
)

func (s Status) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Paused:
		return "PAUSED"
	case Settled:
		return "SETTLED"
	default:
		return "UNKNOWN"
	}
}

// Params are the tunable risk and fee settings of a market. Rates are in
// basis points; prices and sizes are fixed-point.
type Params struct {
	MarginBps      int64
	FeeBps         int64
	MakerFeeBps    int64
	MaintenanceBps int64
	BufferBps      int64
	PenaltyBps     int64
	PenaltyCapBps  int64

	MinPrice int64
	MaxPrice int64
	TickSize int64
	LotSize  int64
}

func (p Params) Validate() error {
	switch {
	case p.MarginBps <= 0 || p.MarginBps > fixed.BpsDenominator:
		return errs.Invalid("margin bps %d out of (0, 10000]", p.MarginBps)
	case p.FeeBps < 0 || p.MakerFeeBps < 0 || p.FeeBps > fixed.BpsDenominator || p.MakerFeeBps > fixed.BpsDenominator:
		return errs.Invalid("fee bps out of range")
	case p.MaintenanceBps <= 0 || p.MaintenanceBps > p.MarginBps:
		return errs.Invalid("maintenance bps %d must be in (0, margin]", p.MaintenanceBps)
	case p.BufferBps < 0 || p.PenaltyBps < 0 || p.PenaltyCapBps < 0:
		return errs.Invalid("negative liquidation parameter")
	case p.MinPrice < 0 || (p.MaxPrice != 0 && p.MaxPrice < p.MinPrice):
		return errs.Invalid("price band [%d, %d] invalid", p.MinPrice, p.MaxPrice)
	case p.TickSize < 0 || p.LotSize < 0:
		return errs.Invalid("negative tick or lot size")
	}
	return nil
}

type Market struct {
	ID     string
	Params Params
	Status Status

	MarkPrice       int64
	LastTradePrice  int64
	SettlementPrice int64
	CreatedAt       int64
}

// CheckPrice validates a limit price against the band and tick size.
func (m *Market) CheckPrice(price int64) error {
	if price <= 0 {
		return errs.Invalid("price must be positive")
	}
	if price < m.Params.MinPrice || (m.Params.MaxPrice != 0 && price > m.Params.MaxPrice) {
		return errs.New(errs.KindPriceOutOfRange, "%s outside [%s, %s]",
			fixed.Format(price), fixed.Format(m.Params.MinPrice), fixed.Format(m.Params.MaxPrice))
	}
	if m.Params.TickSize > 0 && price%m.Params.TickSize != 0 {
		return errs.Invalid("price %s not a multiple of tick %s", fixed.Format(price), fixed.Format(m.Params.TickSize))
	}
	return nil
}

func (m *Market) CheckSize(size int64) error {
	if size <= 0 {
		return errs.Invalid("size must be positive")
	}
	if m.Params.LotSize > 0 && size%m.Params.LotSize != 0 {
		return errs.Invalid("size %s not a multiple of lot %s", fixed.Format(size), fixed.Format(m.Params.LotSize))
	}
	return nil
}

// Tradable rejects markets that are paused or settled.
func (m *Market) Tradable() error {
	if m.Status != Active {
		return errs.New(errs.KindMarketNotActive, "%s is %s", m.ID, m.Status)
	}
	return nil
}

// Reference is the price risk is evaluated at: the oracle mark, falling back
// to the last trade.
func (m *Market) Reference() int64 {
	if m.MarkPrice > 0 {
		return m.MarkPrice
	}
	return m.LastTradePrice
}

// Registry is the market factory and lookup table. It is not safe for
// concurrent use; the venue serializes access.
type Registry struct {
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

func (r *Registry) Create(id string, p Params, now int64) (*Market, error) {
	if id == "" {
		return nil, errs.Invalid("market id required")
	}
	if _, ok := r.markets[id]; ok {
		return nil, errs.New(errs.KindAlreadyExists, "market %s", id)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m := &Market{ID: id, Params: p, Status: Active, CreatedAt: now}
	r.markets[id] = m
	return m, nil
}

func (r *Registry) Get(id string) (*Market, error) {
	m, ok := r.markets[id]
	if !ok {
		return nil, errs.NotFound("market %s", id)
	}
	return m, nil
}

// List returns markets ordered by id.
func (r *Registry) List() []*Market {
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put installs m as is. Used when restoring a snapshot.
func (r *Registry) Put(m Market) {
	cp := m
	r.markets[m.ID] = &cp
}

// MarkPrice implements the ledger's price source.
func (r *Registry) MarkPrice(id string) (int64, bool) {
	m, ok := r.markets[id]
	if !ok {
		return 0, false
	}
	p := m.Reference()
	return p, p > 0
}
