// Package postgres keeps a queryable history of venue events.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"perpex/domain/events"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS venue_events (
	seq         BIGINT PRIMARY KEY,
	id          UUID NOT NULL,
	type        TEXT NOT NULL,
	market      TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS venue_trades (
	seq            BIGINT PRIMARY KEY REFERENCES venue_events(seq),
	market         TEXT NOT NULL,
	taker_order_id BIGINT NOT NULL,
	maker_order_id BIGINT NOT NULL,
	taker          TEXT NOT NULL,
	maker          TEXT NOT NULL,
	taker_side     TEXT NOT NULL,
	price          BIGINT NOT NULL,
	size           BIGINT NOT NULL,
	executed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS venue_trades_market_idx ON venue_trades (market, seq);
`

const insertEvent = `INSERT INTO venue_events (seq, id, type, market, occurred_at, payload)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (seq) DO NOTHING`

const insertTrade = `INSERT INTO venue_trades
(seq, market, taker_order_id, maker_order_id, taker, maker, taker_side, price, size, executed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (seq) DO NOTHING`

// EventStore writes every event, and trades into their own table. Inserts
// are idempotent on seq so redelivery is harmless.
type EventStore struct {
	db execer
}

func NewEventStore(db execer) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Name() string { return "postgres" }

func (s *EventStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *EventStore) Publish(ctx context.Context, ev events.Event) error {
	at := time.Unix(0, ev.Time).UTC()
	if _, err := s.db.Exec(ctx, insertEvent, int64(ev.Seq), ev.ID, string(ev.Type), ev.Market, at, []byte(ev.Data)); err != nil {
		return fmt.Errorf("insert event %d: %w", ev.Seq, err)
	}
	if ev.Type != events.TradeExecuted {
		return nil
	}

	var tr events.TradeData
	if err := ev.Decode(&tr); err != nil {
		return fmt.Errorf("decode trade %d: %w", ev.Seq, err)
	}
	if _, err := s.db.Exec(ctx, insertTrade,
		int64(ev.Seq), ev.Market, int64(tr.TakerOrderID), int64(tr.MakerOrderID),
		tr.Taker, tr.Maker, tr.TakerSide, tr.Price, tr.Size, at,
	); err != nil {
		return fmt.Errorf("insert trade %d: %w", ev.Seq, err)
	}
	return nil
}
