package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpex/domain/authz"
	"perpex/domain/events"
	"perpex/domain/orderbook"
	entrywal "perpex/infra/wal/entry"
	"perpex/snapshot"
)

// runScript drives a venue through trades, a liquidation, cancels and
// admin changes. mid runs after the book is built and before prices move.
func runScript(h *harness, mid func()) {
	h.t.Helper()
	h.market(btc, testParams())
	h.fund("alice", u(100))
	h.fund("bob", u(1000))
	h.fund("carol", u(10_000))
	h.isolated("alice", orderbook.Buy, u(10), u(100))
	h.limit("bob", orderbook.Sell, u(10), u(100))
	h.limit("carol", orderbook.Buy, u(5), u(94))
	h.limit("carol", orderbook.Buy, u(5), u(93))

	// rejected commands never reach the journal
	_, err := h.v.PlaceLimitOrder(h.ctx, authz.Trader("alice"), LimitOrder{
		Market: btc, Side: orderbook.Buy, Size: u(1000), Price: u(100),
	})
	require.Error(h.t, err)

	if mid != nil {
		mid()
	}

	h.mark(u(95))
	h.mark(u(93))

	ask := h.limit("bob", orderbook.Sell, u(1), u(120))
	_, err = h.v.CancelOrder(h.ctx, authz.Trader("bob"), ask.Order.ID)
	require.NoError(h.t, err)

	_, err = h.v.Withdraw(h.ctx, authz.Trader("carol"), "carol", u(100))
	require.NoError(h.t, err)

	a := h.limit("carol", orderbook.Buy, u(1), u(90))
	b := h.limit("carol", orderbook.Buy, u(1), u(91))
	_, err = h.v.BatchCancelOrders(h.ctx, authz.Trader("carol"), []uint64{a.Order.ID, b.Order.ID})
	require.NoError(h.t, err)

	p := testParams()
	p.FeeBps = 10
	_, err = h.v.UpdateMarket(h.ctx, admin, btc, p)
	require.NoError(h.t, err)
	_, err = h.v.PauseMarket(h.ctx, admin, btc)
	require.NoError(h.t, err)
	_, err = h.v.ResumeMarket(h.ctx, admin, btc)
	require.NoError(h.t, err)

	h.limit("carol", orderbook.Buy, u(2), u(92))
	_, err = h.v.PlaceMarketOrder(h.ctx, authz.Trader("bob"), MarketOrder{Market: btc, Side: orderbook.Sell, Size: u(1)})
	require.NoError(h.t, err)
}

func openJournal(t *testing.T, dir string) *entrywal.WAL {
	t.Helper()
	j, err := entrywal.Open(entrywal.Config{Dir: dir, SegmentSize: 128})
	require.NoError(t, err)
	return j
}

func requireSameState(t *testing.T, want, got *snapshot.Snapshot) {
	t.Helper()
	want.Created, got.Created = time.Time{}, time.Time{}
	require.Equal(t, want, got)
}

func TestReplayRebuildsVenue(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir)
	first := newHarness(t, Config{}, Options{Journal: j})
	runScript(first, nil)
	require.NoError(t, j.Close())

	second := newHarness(t, Config{}, Options{})
	last, err := second.v.Replay(dir)
	require.NoError(t, err)

	want := first.v.Export()
	assert.Equal(t, want.Seq, last)
	requireSameState(t, want, second.v.Export())
	assert.Equal(t, first.sink.events, second.sink.events)
}

func TestRecoverFromSnapshotAndJournalTail(t *testing.T) {
	root := t.TempDir()
	journalDir := filepath.Join(root, "journal")
	snapDir := filepath.Join(root, "snapshots")

	j := openJournal(t, journalDir)
	first := newHarness(t, Config{}, Options{Journal: j})
	job := NewSnapshotJob(first.v, &snapshot.Writer{Dir: snapDir}, j, nil, nil)
	runScript(first, func() { require.NoError(t, job.RunOnce()) })
	require.NoError(t, j.Close())

	snap, err := snapshot.Load(snapDir)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.NotZero(t, snap.Seq)

	second := newHarness(t, Config{}, Options{})
	require.NoError(t, second.v.Recover(snapDir, journalDir))
	requireSameState(t, first.v.Export(), second.v.Export())

	// events after the snapshot are regenerated with the same ids
	var tail []events.Event
	for _, ev := range first.sink.events {
		if ev.Seq > snap.EventSeq {
			tail = append(tail, ev)
		}
	}
	require.NotEmpty(t, tail)
	assert.Equal(t, tail, second.sink.events)

	// the recovered venue keeps numbering where the first one stopped
	second.fund("dave", u(1))
	assert.Equal(t, first.v.Export().Seq+1, second.v.Export().Seq)
}

func TestRecoverWithNothingOnDisk(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, Config{}, Options{})
	require.NoError(t, h.v.Recover(filepath.Join(root, "snap"), filepath.Join(root, "journal")))
	assert.Empty(t, h.v.Markets())
	assert.Zero(t, h.v.Export().Seq)
}

func TestSnapshotJobStopsWithContext(t *testing.T) {
	snapDir := t.TempDir()
	h := newHarness(t, Config{}, Options{})
	h.market(btc, testParams())
	h.fund("alice", u(100))

	job := NewSnapshotJob(h.v, &snapshot.Writer{Dir: snapDir}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := job.Start(ctx, time.Millisecond)
	require.Eventually(t, func() bool {
		s, err := snapshot.Load(snapDir)
		return err == nil && s != nil
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("snapshot loop still running after cancel")
	}
}
