// Package authz decides whether a caller may perform a privileged mutation.
package authz

import (
	"perpex/domain/errs"
)

type Capability string

const (
	// CapTrade places and cancels the caller's own orders and moves its collateral.
	CapTrade Capability = "trade"
	// CapBook is held by a market's order book when it drives the ledger.
	CapBook Capability = "book"
	// CapOracle pushes mark prices.
	CapOracle Capability = "oracle"
	// CapLiquidate forces reduce orders against unhealthy positions.
	CapLiquidate Capability = "liquidate"
	// CapSettle closes a market at its final price.
	CapSettle Capability = "settle"
	// CapAdmin creates and reconfigures markets and implies every other capability.
	CapAdmin Capability = "admin"
)

// AnyMarket scopes a grant to every market.
const AnyMarket = "*"

type Grant struct {
	Capability Capability
	Market     string
}

type Caller struct {
	Subject string
	Grants  []Grant
}

// Can reports whether c holds capability for market.
func (c Caller) Can(capability Capability, market string) bool {
	for _, g := range c.Grants {
		if g.Capability != capability && g.Capability != CapAdmin {
			continue
		}
		if g.Market == AnyMarket || g.Market == "" || g.Market == market {
			return true
		}
	}
	return false
}

// Authorizer is the single check performed at the top of every privileged
// mutation.
type Authorizer interface {
	Require(c Caller, capability Capability, market string) error
}

// GrantPolicy authorizes purely from the caller's grants.
type GrantPolicy struct{}

func (GrantPolicy) Require(c Caller, capability Capability, market string) error {
	if c.Subject == "" {
		return errs.New(errs.KindUnauthorized, "anonymous caller")
	}
	if !c.Can(capability, market) {
		return errs.New(errs.KindUnauthorized, "%s lacks %s on %q", c.Subject, capability, market)
	}
	return nil
}

// Trader returns a caller allowed to trade on every market.
func Trader(subject string) Caller {
	return Caller{Subject: subject, Grants: []Grant{{Capability: CapTrade, Market: AnyMarket}}}
}

// Book returns the identity a market's order book uses against the ledger.
func Book(market string) Caller {
	return Caller{Subject: "book:" + market, Grants: []Grant{{Capability: CapBook, Market: market}}}
}

// System holds every capability. It is used for journal replay and
// internally generated commands.
func System() Caller {
	return Caller{Subject: "system", Grants: []Grant{{Capability: CapAdmin, Market: AnyMarket}}}
}
