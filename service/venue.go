package service

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/domain/events"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/domain/orderbook"
	"perpex/infra/metrics"
	"perpex/infra/sequence"
	entrywal "perpex/infra/wal/entry"
	"perpex/infra/wire"
)

const DefaultMaxBatchCancel = 50

type Config struct {
	MaxBatchCancel int
	SelfTrade      orderbook.SelfTradePolicy
	// Clock stamps accepted commands. Defaults to time.Now.
	Clock func() time.Time
}

// Options are the collaborators a venue is wired with. Nil fields get
// working defaults so tests can build a venue from Config alone.
type Options struct {
	Ledger     *ledger.Ledger
	Authorizer authz.Authorizer
	Journal    Journal
	Events     EventSink
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Venue owns every market book, the shared ledger and the liquidation
// monitor. It is the only writer of that state.
type Venue struct {
	mu sync.RWMutex

	cfg     Config
	markets *market.Registry
	books   map[string]*orderbook.OrderBook
	ledger  *ledger.Ledger
	authz   authz.Authorizer
	journal Journal
	sink    EventSink
	metrics *metrics.Metrics
	log     *slog.Logger
	risk    *LiquidationMonitor

	cmdSeq   *sequence.Sequencer
	orderSeq *sequence.Sequencer
	eventSeq *sequence.Sequencer

	replaying bool
	// at is the timestamp of the command being applied.
	at int64
}

func New(cfg Config, opts Options) *Venue {
	if cfg.MaxBatchCancel <= 0 {
		cfg.MaxBatchCancel = DefaultMaxBatchCancel
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = authz.GrantPolicy{}
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.New(ledger.Config{Authorizer: opts.Authorizer, Logger: opts.Logger})
	}

	v := &Venue{
		cfg:      cfg,
		markets:  market.NewRegistry(),
		books:    make(map[string]*orderbook.OrderBook),
		ledger:   opts.Ledger,
		authz:    opts.Authorizer,
		journal:  opts.Journal,
		sink:     opts.Events,
		metrics:  opts.Metrics,
		log:      opts.Logger.With("component", "venue"),
		cmdSeq:   sequence.New(0),
		orderSeq: sequence.New(0),
		eventSeq: sequence.New(0),
	}
	v.risk = newLiquidationMonitor(v)
	return v
}

// Ledger exposes the shared ledger for read-only collaborators.
func (v *Venue) Ledger() *ledger.Ledger { return v.ledger }

// ---- command pipeline ----

func (v *Venue) command(op wire.Op, caller authz.Caller) wire.Command {
	return wire.Command{Op: op, Caller: caller.Subject, Time: v.cfg.Clock().UnixNano()}
}

// commit journals cmd once every check passed and before the first
// mutation. During replay the record is already durable.
func (v *Venue) commit(cmd wire.Command) error {
	v.at = cmd.Time
	if v.replaying {
		return nil
	}
	seq := v.cmdSeq.Next()
	if v.journal == nil {
		return nil
	}
	rec := entrywal.Record{Type: uint8(cmd.Op), Seq: seq, Time: cmd.Time, Data: wire.Marshal(cmd)}
	if err := v.journal.Append(rec); err != nil {
		v.cmdSeq.Reset(seq - 1)
		v.log.Error("journal append failed", "op", cmd.Op.String(), "seq", seq, "error", err)
		return fmt.Errorf("journal %s: %w", cmd.Op, err)
	}
	return nil
}

func (v *Venue) emit(typ events.Type, mkt string, payload any) {
	ev := events.New(v.eventSeq.Next(), typ, mkt, v.at, payload)
	if v.sink == nil {
		return
	}
	if err := v.sink.Emit(ev); err != nil {
		v.log.Error("event sink failed", "seq", ev.Seq, "type", string(typ), "error", err)
	}
}

func (v *Venue) reject(mkt string, err error) error {
	v.metrics.ObserveRejection(mkt, errs.KindOf(err).String())
	return err
}

// ---- lookups ----

func (v *Venue) market(id string) (*market.Market, *orderbook.OrderBook, error) {
	m, err := v.markets.Get(id)
	if err != nil {
		return nil, nil, err
	}
	return m, v.books[id], nil
}

// findLive locates a resting order in any book.
func (v *Venue) findLive(id uint64) (*orderbook.Order, *orderbook.OrderBook) {
	for _, b := range v.books {
		if o, ok := b.Get(id); ok {
			return o, b
		}
	}
	return nil, nil
}

func (v *Venue) sortedBooks() []*orderbook.OrderBook {
	out := make([]*orderbook.OrderBook, 0, len(v.books))
	for _, b := range v.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// checkOwner lets owners act on their own orders and accounts; admins act
// on anyone's.
func checkOwner(caller authz.Caller, owner string) error {
	if caller.Subject == owner || caller.Can(authz.CapAdmin, authz.AnyMarket) {
		return nil
	}
	return errs.New(errs.KindNotOwner, "%s does not own this resource", caller.Subject)
}

func (v *Venue) observeBook(b *orderbook.OrderBook) {
	if v.metrics == nil {
		return
	}
	bp := b.BestPrices()
	v.metrics.SetBook(b.Market, b.Bids.Levels(), b.Asks.Levels(), bp.Ask-bp.Bid, bp.HasBid && bp.HasAsk)
}
