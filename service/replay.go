package service

import (
	"fmt"

	entrywal "perpex/infra/wal/entry"
	"perpex/infra/wire"
	"perpex/snapshot"
)

// Recover rebuilds the venue from the latest snapshot and the journal
// records after it. It must run before the venue accepts traffic.
func (v *Venue) Recover(snapshotDir, journalDir string) error {
	s, err := snapshot.Load(snapshotDir)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if s != nil {
		v.Restore(s)
		v.log.Info("snapshot restored", "seq", s.Seq, "orders", len(s.Orders), "markets", len(s.Markets))
	}
	_, err = v.Replay(journalDir)
	return err
}

// Replay applies journal records with a sequence above the venue's current
// one, reusing their timestamps. Events regenerated on the way get the same
// sequence numbers as the first time, so the outbox drops the ones it
// already delivered.
func (v *Venue) Replay(dir string) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.replaying = true
	defer func() { v.replaying = false }()

	applied := 0
	last, err := entrywal.Replay(dir, v.cmdSeq.Current(), func(rec entrywal.Record) error {
		cmd, err := wire.Unmarshal(rec.Data)
		if err != nil {
			return fmt.Errorf("journal record %d: %w", rec.Seq, err)
		}
		v.cmdSeq.Reset(rec.Seq)
		if err := v.dispatch(cmd); err != nil {
			v.log.Warn("replayed command rejected", "seq", rec.Seq, "op", cmd.Op.String(), "error", err)
		}
		applied++
		return nil
	})
	if err != nil {
		return last, err
	}

	v.cmdSeq.Reset(last)
	v.log.Info("journal replayed", "records", applied, "last_seq", last)
	return last, nil
}

func (v *Venue) dispatch(cmd wire.Command) error {
	var err error
	switch cmd.Op {
	case wire.OpPlaceLimit, wire.OpPlaceMarket:
		_, err = v.applyPlace(cmd)
	case wire.OpCancel:
		_, err = v.applyCancel(cmd)
	case wire.OpBatchCancel:
		_, err = v.applyBatchCancel(cmd)
	case wire.OpDeposit, wire.OpWithdraw:
		_, err = v.applyCollateral(cmd)
	case wire.OpMarkPrice:
		err = v.applyMarkPrice(cmd)
	case wire.OpCreateMarket:
		_, err = v.applyCreateMarket(cmd)
	case wire.OpUpdateMarket:
		_, err = v.applyUpdateMarket(cmd)
	case wire.OpPauseMarket, wire.OpResumeMarket:
		_, err = v.applyStatus(cmd)
	case wire.OpSettleMarket:
		_, err = v.applySettle(cmd)
	default:
		err = fmt.Errorf("unknown op %s", cmd.Op)
	}
	return err
}
