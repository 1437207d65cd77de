package service

import (
	"context"

	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/domain/events"
	"perpex/domain/fixed"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/domain/orderbook"
	"perpex/infra/wire"
)

// ---- collateral ----

func (v *Venue) Deposit(ctx context.Context, caller authz.Caller, owner string, amount int64) (ledger.Account, error) {
	return v.moveCollateral(ctx, caller, wire.OpDeposit, owner, amount)
}

func (v *Venue) Withdraw(ctx context.Context, caller authz.Caller, owner string, amount int64) (ledger.Account, error) {
	return v.moveCollateral(ctx, caller, wire.OpWithdraw, owner, amount)
}

func (v *Venue) moveCollateral(ctx context.Context, caller authz.Caller, op wire.Op, owner string, amount int64) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authz.Require(caller, authz.CapTrade, authz.AnyMarket); err != nil {
		return ledger.Account{}, err
	}
	if err := checkOwner(caller, owner); err != nil {
		return ledger.Account{}, err
	}
	cmd := v.command(op, caller)
	cmd.Owner, cmd.Amount = owner, amount
	return v.applyCollateral(cmd)
}

func (v *Venue) applyCollateral(cmd wire.Command) (ledger.Account, error) {
	if cmd.Owner == "" || cmd.Amount <= 0 {
		return ledger.Account{}, errs.Invalid("collateral moves need an owner and a positive amount")
	}
	if cmd.Op == wire.OpWithdraw {
		if avail := v.ledger.Available(cmd.Owner); avail < cmd.Amount {
			return ledger.Account{}, errs.InsufficientAvailable(cmd.Amount, avail)
		}
	} else if err := v.ledger.CheckDeposit(cmd.Owner, cmd.Amount); err != nil {
		return ledger.Account{}, err
	}
	if err := v.commit(cmd); err != nil {
		return ledger.Account{}, err
	}

	typ := events.CollateralDeposited
	var err error
	if cmd.Op == wire.OpWithdraw {
		typ = events.CollateralWithdrawn
		err = v.ledger.Withdraw(cmd.Owner, cmd.Amount)
	} else {
		err = v.ledger.Deposit(cmd.Owner, cmd.Amount)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	v.emit(typ, "", events.CollateralData{Owner: cmd.Owner, Amount: cmd.Amount})

	a, _ := v.ledger.Account(cmd.Owner)
	return a, nil
}

// ---- pricing ----

// UpdateMarkPrice installs an oracle mark and re-evaluates every position
// in the market.
func (v *Venue) UpdateMarkPrice(ctx context.Context, caller authz.Caller, id string, price int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authz.Require(caller, authz.CapOracle, id); err != nil {
		return err
	}
	cmd := v.command(wire.OpMarkPrice, caller)
	cmd.Market, cmd.Price = id, price
	return v.applyMarkPrice(cmd)
}

func (v *Venue) applyMarkPrice(cmd wire.Command) error {
	m, _, err := v.market(cmd.Market)
	if err != nil {
		return err
	}
	if m.Status == market.Settled {
		return errs.New(errs.KindMarketNotActive, "%s is settled", m.ID)
	}
	if cmd.Price <= 0 {
		return errs.Invalid("mark price must be positive")
	}
	for _, p := range v.ledger.MarketPositions(m.ID) {
		if _, err := fixed.CheckedNotional(cmd.Price, p.Size); err != nil {
			return errs.Invalid("mark %s puts %s's position out of range", fixed.Format(cmd.Price), p.Owner)
		}
		if _, err := fixed.CheckedMulDiv(cmd.Price-p.EntryPrice, p.Size, fixed.Scale); err != nil {
			return errs.Invalid("mark %s puts %s's position out of range", fixed.Format(cmd.Price), p.Owner)
		}
	}
	if err := v.commit(cmd); err != nil {
		return err
	}

	m.MarkPrice = cmd.Price
	v.emit(events.MarkPriceUpdate, m.ID, events.PriceData{Price: cmd.Price})
	v.risk.evaluate(m.ID, nil)
	return nil
}

// ---- market lifecycle ----

func (v *Venue) CreateMarket(ctx context.Context, caller authz.Caller, id string, p market.Params) (market.Market, error) {
	if err := ctx.Err(); err != nil {
		return market.Market{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authz.Require(caller, authz.CapAdmin, id); err != nil {
		return market.Market{}, err
	}
	cmd := v.command(wire.OpCreateMarket, caller)
	cmd.Market, cmd.Params = id, p
	return v.applyCreateMarket(cmd)
}

func (v *Venue) applyCreateMarket(cmd wire.Command) (market.Market, error) {
	if cmd.Market == "" {
		return market.Market{}, errs.Invalid("market id required")
	}
	if _, err := v.markets.Get(cmd.Market); err == nil {
		return market.Market{}, errs.New(errs.KindAlreadyExists, "market %s", cmd.Market)
	}
	if err := cmd.Params.Validate(); err != nil {
		return market.Market{}, err
	}
	if err := v.commit(cmd); err != nil {
		return market.Market{}, err
	}

	m, err := v.markets.Create(cmd.Market, cmd.Params, cmd.Time)
	if err != nil {
		return market.Market{}, err
	}
	v.books[m.ID] = orderbook.NewOrderBook(m.ID, v.cfg.SelfTrade)
	v.emit(events.MarketCreated, m.ID, marketData(m))
	v.log.Info("market created", "market", m.ID)
	return *m, nil
}

// UpdateMarket replaces fee, margin and band parameters. Resting orders are
// re-reserved at the new rates; those their owners can no longer back are
// cancelled.
func (v *Venue) UpdateMarket(ctx context.Context, caller authz.Caller, id string, p market.Params) (market.Market, error) {
	if err := ctx.Err(); err != nil {
		return market.Market{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authz.Require(caller, authz.CapAdmin, id); err != nil {
		return market.Market{}, err
	}
	cmd := v.command(wire.OpUpdateMarket, caller)
	cmd.Market, cmd.Params = id, p
	return v.applyUpdateMarket(cmd)
}

func (v *Venue) applyUpdateMarket(cmd wire.Command) (market.Market, error) {
	m, book, err := v.market(cmd.Market)
	if err != nil {
		return market.Market{}, err
	}
	if m.Status == market.Settled {
		return market.Market{}, errs.New(errs.KindMarketNotActive, "%s is settled", m.ID)
	}
	if err := cmd.Params.Validate(); err != nil {
		return market.Market{}, err
	}
	if err := v.commit(cmd); err != nil {
		return market.Market{}, err
	}

	m.Params = cmd.Params
	v.emit(events.MarketUpdated, m.ID, marketData(m))

	var owners []string
	for _, o := range book.Orders() {
		owners = append(owners, o.Owner)
	}
	v.topUpResting(m, book, owners)
	v.observeBook(book)
	v.risk.evaluate(m.ID, nil)
	return *m, nil
}

func (v *Venue) PauseMarket(ctx context.Context, caller authz.Caller, id string) (market.Market, error) {
	return v.setStatus(ctx, caller, wire.OpPauseMarket, id)
}

func (v *Venue) ResumeMarket(ctx context.Context, caller authz.Caller, id string) (market.Market, error) {
	return v.setStatus(ctx, caller, wire.OpResumeMarket, id)
}

func (v *Venue) setStatus(ctx context.Context, caller authz.Caller, op wire.Op, id string) (market.Market, error) {
	if err := ctx.Err(); err != nil {
		return market.Market{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.authz.Require(caller, authz.CapAdmin, id); err != nil {
		return market.Market{}, err
	}
	cmd := v.command(op, caller)
	cmd.Market = id
	return v.applyStatus(cmd)
}

func (v *Venue) applyStatus(cmd wire.Command) (market.Market, error) {
	m, _, err := v.market(cmd.Market)
	if err != nil {
		return market.Market{}, err
	}
	from, to := market.Active, market.Paused
	if cmd.Op == wire.OpResumeMarket {
		from, to = market.Paused, market.Active
	}
	if m.Status != from {
		return market.Market{}, errs.New(errs.KindMarketNotActive, "%s is %s", m.ID, m.Status)
	}
	if err := v.commit(cmd); err != nil {
		return market.Market{}, err
	}

	m.Status = to
	v.emit(events.MarketUpdated, m.ID, marketData(m))
	v.log.Info("market status changed", "market", m.ID, "status", to.String())
	return *m, nil
}

func marketData(m *market.Market) events.MarketData {
	return events.MarketData{
		Status:         m.Status.String(),
		MarginBps:      m.Params.MarginBps,
		FeeBps:         m.Params.FeeBps,
		MakerFeeBps:    m.Params.MakerFeeBps,
		MaintenanceBps: m.Params.MaintenanceBps,
	}
}
