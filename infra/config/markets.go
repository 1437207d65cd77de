package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"perpex/domain/fixed"
	"perpex/domain/market"
)

// MarketSpec is one entry of the market catalog. Prices and sizes are
// decimal strings.
type MarketSpec struct {
	ID             string `yaml:"id"`
	MarginBps      int64  `yaml:"margin_bps"`
	FeeBps         int64  `yaml:"fee_bps"`
	MakerFeeBps    int64  `yaml:"maker_fee_bps"`
	MaintenanceBps int64  `yaml:"maintenance_bps"`
	BufferBps      int64  `yaml:"buffer_bps"`
	PenaltyBps     int64  `yaml:"penalty_bps"`
	PenaltyCapBps  int64  `yaml:"penalty_cap_bps"`
	MinPrice       string `yaml:"min_price"`
	MaxPrice       string `yaml:"max_price"`
	TickSize       string `yaml:"tick_size"`
	LotSize        string `yaml:"lot_size"`
}

type catalog struct {
	Markets []MarketSpec `yaml:"markets"`
}

// LoadMarkets reads the catalog. A missing file yields no markets.
func LoadMarkets(path string) ([]MarketSpec, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read markets: %w", err)
	}
	return ParseMarkets(b)
}

func ParseMarkets(b []byte) ([]MarketSpec, error) {
	var c catalog
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	seen := map[string]bool{}
	for _, m := range c.Markets {
		if m.ID == "" {
			return nil, fmt.Errorf("market without id")
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("market %s listed twice", m.ID)
		}
		seen[m.ID] = true
	}
	return c.Markets, nil
}

func (s MarketSpec) Params() (market.Params, error) {
	p := market.Params{
		MarginBps:      s.MarginBps,
		FeeBps:         s.FeeBps,
		MakerFeeBps:    s.MakerFeeBps,
		MaintenanceBps: s.MaintenanceBps,
		BufferBps:      s.BufferBps,
		PenaltyBps:     s.PenaltyBps,
		PenaltyCapBps:  s.PenaltyCapBps,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"min_price", s.MinPrice, &p.MinPrice},
		{"max_price", s.MaxPrice, &p.MaxPrice},
		{"tick_size", s.TickSize, &p.TickSize},
		{"lot_size", s.LotSize, &p.LotSize},
	} {
		if f.raw == "" {
			continue
		}
		v, err := fixed.Parse(f.raw)
		if err != nil {
			return p, fmt.Errorf("market %s %s: %w", s.ID, f.name, err)
		}
		*f.dst = v
	}
	return p, p.Validate()
}
