// Package ledger tracks collateral, margin and positions per owner.
//
// For every trader account:
//
//	available = collateral + realizedPnL - marginReserved - marginUsed >= 0
//
// Operations that would break this are rejected without side effects. The
// fee sink and the insurance fund are plain accounts; the insurance fund is
// allowed to go negative when it absorbs bad debt.
package ledger

import (
	"log/slog"
	"sort"
	"sync"

	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/domain/fixed"
	"perpex/domain/orderbook"
)

const (
	DefaultFeeSink   = "fee-sink"
	DefaultInsurance = "insurance-fund"
)

// PriceSource supplies the mark used for unrealized PnL.
type PriceSource interface {
	MarkPrice(market string) (int64, bool)
}

type Account struct {
	Owner          string
	Collateral     int64
	MarginReserved int64
	MarginUsed     int64
	RealizedPnL    int64
	Deposits       int64
	Withdrawals    int64
	FeesPaid       int64
	PenaltiesPaid  int64
}

func (a *Account) Available() int64 {
	return a.Collateral + a.RealizedPnL - a.MarginReserved - a.MarginUsed
}

// Position is signed: positive size is long. EntryPrice is meaningless when
// Size is zero.
type Position struct {
	Owner      string
	Market     string
	Size       int64
	EntryPrice int64
	Margin     int64
	Mode       orderbook.MarginMode
	UpdatedAt  int64
}

// Notional at price, always non-negative.
func (p Position) Notional(price int64) int64 {
	return fixed.Notional(price, abs(p.Size))
}

func (p Position) Unrealized(mark int64) int64 {
	return fixed.MulDiv(mark-p.EntryPrice, p.Size, fixed.Scale)
}

type Config struct {
	FeeSink    string
	Insurance  string
	Authorizer authz.Authorizer
	Logger     *slog.Logger
}

type posKey struct {
	owner  string
	market string
}

type Ledger struct {
	mu sync.Mutex

	authz     authz.Authorizer
	feeSink   string
	insurance string
	log       *slog.Logger

	accounts  map[string]*Account
	positions map[posKey]*Position
}

func New(cfg Config) *Ledger {
	if cfg.FeeSink == "" {
		cfg.FeeSink = DefaultFeeSink
	}
	if cfg.Insurance == "" {
		cfg.Insurance = DefaultInsurance
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = authz.GrantPolicy{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		authz:     cfg.Authorizer,
		feeSink:   cfg.FeeSink,
		insurance: cfg.Insurance,
		log:       cfg.Logger,
		accounts:  make(map[string]*Account),
		positions: make(map[posKey]*Position),
	}
}

func (l *Ledger) FeeSink() string   { return l.feeSink }
func (l *Ledger) Insurance() string { return l.insurance }

// account returns the account for owner, creating an empty one.
func (l *Ledger) account(owner string) *Account {
	a, ok := l.accounts[owner]
	if !ok {
		a = &Account{Owner: owner}
		l.accounts[owner] = a
	}
	return a
}

func (l *Ledger) available(owner string) int64 {
	if a, ok := l.accounts[owner]; ok {
		return a.Available()
	}
	return 0
}

// ─── Collateral ───

func (l *Ledger) Deposit(owner string, amount int64) error {
	if owner == "" || amount <= 0 {
		return errs.Invalid("deposit requires an owner and a positive amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(owner)
	if err := checkDeposit(a, amount); err != nil {
		return err
	}
	a.Collateral += amount
	a.Deposits += amount
	return nil
}

// CheckDeposit reports whether Deposit would accept amount for owner
// without changing anything.
func (l *Ledger) CheckDeposit(owner string, amount int64) error {
	if owner == "" || amount <= 0 {
		return errs.Invalid("deposit requires an owner and a positive amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[owner]
	if !ok {
		a = &Account{Owner: owner}
	}
	return checkDeposit(a, amount)
}

func checkDeposit(a *Account, amount int64) error {
	collateral, err := fixed.CheckedAdd(a.Collateral, amount)
	if err == nil {
		_, err = fixed.CheckedAdd(collateral, max(a.RealizedPnL, 0))
	}
	if err == nil {
		_, err = fixed.CheckedAdd(a.Deposits, amount)
	}
	if err != nil {
		return errs.Invalid("deposit of %s overflows the balance of %s", fixed.Format(amount), a.Owner)
	}
	return nil
}

func (l *Ledger) Withdraw(owner string, amount int64) error {
	if owner == "" || amount <= 0 {
		return errs.Invalid("withdraw requires an owner and a positive amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	avail := l.available(owner)
	if avail < amount {
		return errs.InsufficientAvailable(amount, avail)
	}
	a := l.account(owner)
	a.Collateral -= amount
	a.Withdrawals += amount
	return nil
}

// ─── Reservations ───

// ReserveMargin reserves notional*rateBps/10000 when the owner can afford
// it. Check and reservation happen under one lock.
func (l *Ledger) ReserveMargin(caller authz.Caller, owner, market string, notional, rateBps int64) (int64, error) {
	if err := l.authz.Require(caller, authz.CapBook, market); err != nil {
		return 0, err
	}
	if notional < 0 || rateBps < 0 {
		return 0, errs.Invalid("negative notional or rate")
	}
	required := fixed.BpsUp(notional, rateBps)

	l.mu.Lock()
	defer l.mu.Unlock()

	if avail := l.available(owner); avail < required {
		return 0, errs.InsufficientCollateral(required, avail)
	}
	if required > 0 {
		l.account(owner).MarginReserved += required
	}
	return required, nil
}

// OrderPlan describes everything an incoming order would do: the legs it
// would execute now and the remainder that would rest. Immediate legs are
// charged FeeBps; the remainder can only fill as a maker and is reserved at
// the larger of FeeBps and MakerFeeBps.
type OrderPlan struct {
	Owner       string
	Market      string
	Side        orderbook.Side
	Legs        []orderbook.Leg
	Rest        orderbook.Leg
	MarginBps   int64
	FeeBps      int64
	MakerFeeBps int64
}

// ReserveForOrder projects the whole plan against the owner's current
// position and reserves what it can consume in one step: margin and fees on
// every leg plus any loss its closes would realize beyond the margin they
// free.
func (l *Ledger) ReserveForOrder(caller authz.Caller, plan OrderPlan) (int64, error) {
	if err := l.authz.Require(caller, authz.CapBook, plan.Market); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	reserve, err := l.requirement(plan)
	if err != nil {
		return 0, err
	}
	if avail := l.available(plan.Owner); avail < reserve {
		return 0, errs.InsufficientCollateral(reserve, avail)
	}
	if reserve > 0 {
		l.account(plan.Owner).MarginReserved += reserve
	}
	return reserve, nil
}

// TopUp re-prices a resting order's reservation against the owner's current
// position and the plan's rates. Only plan.Rest is considered. held is what
// the order holds now; the result is what it holds afterwards. An owner who
// cannot pay the difference gets InsufficientCollateral and nothing changes.
func (l *Ledger) TopUp(caller authz.Caller, plan OrderPlan, held int64) (int64, error) {
	if err := l.authz.Require(caller, authz.CapBook, plan.Market); err != nil {
		return 0, err
	}
	plan.Legs = nil
	l.mu.Lock()
	defer l.mu.Unlock()

	need, err := l.requirement(plan)
	if err != nil {
		return held, err
	}
	if need <= held {
		return held, nil
	}
	extra := need - held
	if avail := l.available(plan.Owner); avail < extra {
		return held, errs.InsufficientCollateral(extra, avail)
	}
	l.account(plan.Owner).MarginReserved += extra
	return need, nil
}

// requirement is the reservation a plan needs. Amounts that do not fit in
// fixed-point are rejected as invalid.
func (l *Ledger) requirement(plan OrderPlan) (int64, error) {
	overflow := errs.Invalid("order notional out of range")

	var legsNotional, size int64
	for _, leg := range plan.Legs {
		n, err := fixed.CheckedNotional(leg.Price, leg.Size)
		if err != nil {
			return 0, overflow
		}
		if legsNotional, err = fixed.CheckedAdd(legsNotional, n); err != nil {
			return 0, overflow
		}
		if size, err = fixed.CheckedAdd(size, leg.Size); err != nil {
			return 0, overflow
		}
	}
	restNotional, err := fixed.CheckedNotional(plan.Rest.Price, plan.Rest.Size)
	if err != nil {
		return 0, overflow
	}
	if size, err = fixed.CheckedAdd(size, plan.Rest.Size); err != nil {
		return 0, overflow
	}

	legsReserve, err := fixed.CheckedBpsUp(legsNotional, plan.MarginBps+plan.FeeBps)
	if err != nil {
		return 0, overflow
	}
	restReserve, err := fixed.CheckedBpsUp(restNotional, plan.MarginBps+max(plan.FeeBps, plan.MakerFeeBps))
	if err != nil {
		return 0, overflow
	}

	var pos Position
	if p, ok := l.positions[posKey{plan.Owner, plan.Market}]; ok {
		pos = *p
	}
	if _, err := fixed.CheckedAdd(abs(pos.Size), size); err != nil {
		return 0, overflow
	}
	now, err := projectClose(&pos, plan.Side, plan.Legs)
	if err != nil {
		return 0, overflow
	}
	later, err := projectClose(&pos, plan.Side, []orderbook.Leg{plan.Rest})
	if err != nil {
		return 0, overflow
	}

	total := legsReserve
	for _, part := range []int64{restReserve, max(-now, 0), max(-later, 0)} {
		if total, err = fixed.CheckedAdd(total, part); err != nil {
			return 0, overflow
		}
	}
	return total, nil
}

// projectClose runs the legs that reduce p and returns realized PnL plus
// released margin. Negative means the closes cost more than the margin they
// free. p is left as those closes would leave it.
func projectClose(p *Position, side orderbook.Side, legs []orderbook.Leg) (int64, error) {
	if p.Size == 0 || sign(p.Size) == side.Sign() {
		return 0, nil
	}
	var net int64
	for _, leg := range legs {
		open := abs(p.Size)
		if open == 0 {
			break
		}
		if leg.Size <= 0 {
			continue
		}
		closed := min(open, leg.Size)
		released := p.Margin
		if closed < open {
			released = fixed.MulDiv(p.Margin, closed, open)
		}
		pnl, err := fixed.CheckedMulDiv(leg.Price-p.EntryPrice, closed*sign(p.Size), fixed.Scale)
		if err != nil {
			return 0, err
		}
		if net, err = fixed.CheckedAdd(net, pnl); err != nil {
			return 0, err
		}
		if net, err = fixed.CheckedAdd(net, released); err != nil {
			return 0, err
		}
		p.Margin -= released
		p.Size += side.Sign() * closed
	}
	return net, nil
}

// ReleaseMargin returns reserved margin to the owner's available balance.
// Releases larger than the outstanding reservation are floored at zero.
func (l *Ledger) ReleaseMargin(caller authz.Caller, owner, market string, amount int64) (int64, error) {
	if err := l.authz.Require(caller, authz.CapBook, market); err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, errs.Invalid("negative release")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[owner]
	if !ok {
		return 0, nil
	}
	released := min(amount, a.MarginReserved)
	a.MarginReserved -= released
	return released, nil
}

// ─── Fills ───

// Fill is one execution reported by a market's book for one owner.
// Reserved is the most of the order's reservation this leg may consume.
// Only liquidation fills may leave the owner short; the insurance fund
// covers the gap.
type Fill struct {
	Owner       string
	Market      string
	Side        orderbook.Side
	Price       int64
	Size        int64
	MarginBps   int64
	FeeBps      int64
	Reserved    int64
	Mode        orderbook.MarginMode
	Time        int64
	Liquidation bool
}

type FillResult struct {
	Opened         int64
	Closed         int64
	Realized       int64
	Fee            int64
	MarginLocked   int64
	MarginReleased int64
	// Consumed is the part of Fill.Reserved the leg used up.
	Consumed int64
	BadDebt  int64
	Position Position
}

// ApplyFill books one leg: it moves margin into or out of the position,
// realizes PnL on the reducing part, charges the fee to the fee sink and
// pays for the net cost out of the order's reservation.
func (l *Ledger) ApplyFill(caller authz.Caller, f Fill) (FillResult, error) {
	if err := l.authz.Require(caller, authz.CapBook, f.Market); err != nil {
		return FillResult{}, err
	}
	if f.Size <= 0 || f.Price <= 0 {
		return FillResult{}, errs.Invalid("fill requires positive price and size")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var res FillResult
	a := l.account(f.Owner)
	budget := min(max(f.Reserved, 0), a.MarginReserved)

	key := posKey{f.Owner, f.Market}
	p, ok := l.positions[key]
	if !ok {
		p = &Position{Owner: f.Owner, Market: f.Market, Mode: f.Mode}
		l.positions[key] = p
	}

	dir := f.Side.Sign()
	if p.Size != 0 && sign(p.Size) != dir {
		res.Closed = min(abs(p.Size), f.Size)
	}
	res.Opened = f.Size - res.Closed

	if res.Closed > 0 {
		held := abs(p.Size)
		res.MarginReleased = fixed.MulDiv(p.Margin, res.Closed, held)
		if res.Closed == held {
			res.MarginReleased = p.Margin
		}
		res.Realized = fixed.MulDiv(f.Price-p.EntryPrice, res.Closed*sign(p.Size), fixed.Scale)

		p.Margin -= res.MarginReleased
		a.MarginUsed -= res.MarginReleased
		a.RealizedPnL += res.Realized
		p.Size += dir * res.Closed
		if p.Size == 0 {
			p.EntryPrice = 0
		}
	}

	if res.Opened > 0 {
		res.MarginLocked = fixed.Bps(fixed.Notional(f.Price, res.Opened), f.MarginBps)
		if p.Size == 0 {
			p.EntryPrice = f.Price
			p.Mode = f.Mode
		} else {
			held := abs(p.Size)
			total := held + res.Opened
			p.EntryPrice = fixed.MulDiv(p.EntryPrice, held, total) + fixed.MulDiv(f.Price, res.Opened, total)
		}
		p.Size += dir * res.Opened
		p.Margin += res.MarginLocked
		a.MarginUsed += res.MarginLocked
	}

	res.Fee = fixed.Bps(fixed.Notional(f.Price, f.Size), f.FeeBps)
	if res.Fee > 0 {
		a.Collateral -= res.Fee
		a.FeesPaid += res.Fee
		l.account(l.feeSink).Collateral += res.Fee
	}

	cost := res.MarginLocked + res.Fee - res.MarginReleased - res.Realized
	res.Consumed = min(max(cost, 0), budget)
	a.MarginReserved -= res.Consumed

	if f.Liquidation {
		res.BadDebt = l.coverShortfall(a)
	} else if avail := a.Available(); avail < 0 {
		l.log.Error("fill exceeded its reservation", "owner", f.Owner, "market", f.Market, "available", avail)
	}
	p.UpdatedAt = f.Time
	res.Position = *p
	if p.Size == 0 {
		delete(l.positions, key)
	}
	return res, nil
}

// coverShortfall moves collateral from the insurance fund until a's
// availability is back at zero.
func (l *Ledger) coverShortfall(a *Account) int64 {
	avail := a.Available()
	if avail >= 0 || a.Owner == l.insurance {
		return 0
	}
	cover := -avail
	l.account(l.insurance).Collateral -= cover
	a.Collateral += cover
	l.log.Warn("insurance fund covered shortfall", "owner", a.Owner, "amount", cover)
	return cover
}

// ─── Liquidation & settlement ───

// ChargePenalty moves up to amount of the owner's available collateral to
// the insurance fund and returns what was charged.
func (l *Ledger) ChargePenalty(caller authz.Caller, owner, market string, amount int64) (int64, error) {
	if err := l.authz.Require(caller, authz.CapLiquidate, market); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	charged := min(amount, max(l.available(owner), 0))
	if charged == 0 {
		return 0, nil
	}
	a := l.account(owner)
	a.Collateral -= charged
	a.PenaltiesPaid += charged
	l.account(l.insurance).Collateral += charged
	return charged, nil
}

type SettleResult struct {
	Size     int64
	Realized int64
	Released int64
	BadDebt  int64
}

// SettlePosition closes the owner's position in market at price without
// fees. The bool is false when there was no position.
func (l *Ledger) SettlePosition(caller authz.Caller, owner, market string, price, ts int64) (SettleResult, bool, error) {
	if err := l.authz.Require(caller, authz.CapSettle, market); err != nil {
		return SettleResult{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := posKey{owner, market}
	p, ok := l.positions[key]
	if !ok {
		return SettleResult{}, false, nil
	}
	a := l.account(owner)
	res := SettleResult{
		Size:     p.Size,
		Realized: p.Unrealized(price),
		Released: p.Margin,
	}
	a.MarginUsed -= p.Margin
	a.RealizedPnL += res.Realized
	res.BadDebt = l.coverShortfall(a)
	delete(l.positions, key)
	return res, true, nil
}

// ─── Views ───

type PositionSummary struct {
	Position
	Mark       int64
	Unrealized int64
}

type MarginSummary struct {
	Owner               string
	TotalCollateral     int64
	MarginUsed          int64
	MarginReserved      int64
	AvailableCollateral int64
	RealizedPnL         int64
	UnrealizedPnL       int64
	PortfolioValue      int64
	Positions           []PositionSummary
}

// Summary reports the owner's balances with unrealized PnL at the current
// marks. Positions without a mark contribute nothing.
func (l *Ledger) Summary(owner string, prices PriceSource) MarginSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := MarginSummary{Owner: owner}
	if a, ok := l.accounts[owner]; ok {
		s.TotalCollateral = a.Collateral
		s.MarginUsed = a.MarginUsed
		s.MarginReserved = a.MarginReserved
		s.AvailableCollateral = a.Available()
		s.RealizedPnL = a.RealizedPnL
	}
	for _, p := range l.sortedPositions(func(k posKey) bool { return k.owner == owner }) {
		ps := PositionSummary{Position: p}
		if mark, ok := prices.MarkPrice(p.Market); ok {
			ps.Mark = mark
			ps.Unrealized = p.Unrealized(mark)
		}
		s.UnrealizedPnL += ps.Unrealized
		s.Positions = append(s.Positions, ps)
	}
	s.PortfolioValue = s.AvailableCollateral + s.MarginUsed + s.UnrealizedPnL
	return s
}

func (l *Ledger) Account(owner string) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[owner]
	if !ok {
		return Account{Owner: owner}, false
	}
	return *a, true
}

func (l *Ledger) Available(owner string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available(owner)
}

func (l *Ledger) Position(owner, market string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[posKey{owner, market}]
	if !ok {
		return Position{Owner: owner, Market: market}, false
	}
	return *p, true
}

// MarketPositions lists open positions in market ordered by owner.
func (l *Ledger) MarketPositions(market string) []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedPositions(func(k posKey) bool { return k.market == market })
}

func (l *Ledger) sortedPositions(match func(posKey) bool) []Position {
	var out []Position
	for k, p := range l.positions {
		if match(k) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].Owner < out[j].Owner
	})
	return out
}

// ─── Snapshots ───

type State struct {
	Accounts  []Account
	Positions []Position
}

func (l *Ledger) Export() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := State{Positions: l.sortedPositions(func(posKey) bool { return true })}
	for _, a := range l.accounts {
		s.Accounts = append(s.Accounts, *a)
	}
	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].Owner < s.Accounts[j].Owner })
	return s
}

// Restore replaces all balances and positions.
func (l *Ledger) Restore(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.accounts = make(map[string]*Account, len(s.Accounts))
	for i := range s.Accounts {
		a := s.Accounts[i]
		l.accounts[a.Owner] = &a
	}
	l.positions = make(map[posKey]*Position, len(s.Positions))
	for i := range s.Positions {
		p := s.Positions[i]
		l.positions[posKey{p.Owner, p.Market}] = &p
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
