package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"perpex/domain/errs"
)

func TestGrantPolicy(t *testing.T) {
	p := GrantPolicy{}

	tests := []struct {
		name   string
		caller Caller
		cap    Capability
		market string
		ok     bool
	}{
		{"trader any market", Trader("alice"), CapTrade, "ETH-PERP", true},
		{"trader cannot settle", Trader("alice"), CapSettle, "ETH-PERP", false},
		{"book scoped to its market", Book("ETH-PERP"), CapBook, "ETH-PERP", true},
		{"book of another market", Book("BTC-PERP"), CapBook, "ETH-PERP", false},
		{"admin implies all", System(), CapOracle, "ETH-PERP", true},
		{"anonymous", Caller{}, CapTrade, "ETH-PERP", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Require(tt.caller, tt.cap, tt.market)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errs.ErrUnauthorized)
		})
	}
}
