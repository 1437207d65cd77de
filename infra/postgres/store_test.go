package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpex/domain/events"
)

type call struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls []call
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestPublishTradeWritesBothTables(t *testing.T) {
	db := &fakeDB{}
	store := NewEventStore(db)

	ev := events.New(9, events.TradeExecuted, "ETH-PERP", 1_000, events.TradeData{
		TakerOrderID: 2, MakerOrderID: 1, Taker: "bob", Maker: "alice",
		TakerSide: "BUY", Price: 2_000_000_000, Size: 1_000_000,
	})
	require.NoError(t, store.Publish(context.Background(), ev))

	require.Len(t, db.calls, 2)
	assert.True(t, strings.Contains(db.calls[0].sql, "venue_events"))
	assert.Equal(t, int64(9), db.calls[0].args[0])
	assert.True(t, strings.Contains(db.calls[1].sql, "venue_trades"))
	assert.Equal(t, "alice", db.calls[1].args[5])
}

func TestPublishOtherEventsOnlyLogsEvent(t *testing.T) {
	db := &fakeDB{}
	store := NewEventStore(db)

	ev := events.New(3, events.CollateralDeposited, "", 1, events.CollateralData{Owner: "alice", Amount: 5})
	require.NoError(t, store.Publish(context.Background(), ev))
	assert.Len(t, db.calls, 1)
}

func TestPublishPropagatesErrors(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	err := NewEventStore(db).Publish(context.Background(), events.New(1, events.OrderPlaced, "ETH-PERP", 1, events.OrderPlacedData{}))
	assert.ErrorContains(t, err, "connection reset")
}
