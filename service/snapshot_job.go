package service

import (
	"context"
	"log/slog"
	"time"

	"perpex/snapshot"
)

type journalTruncater interface {
	TruncateBefore(seq uint64) (int, error)
}

type outboxCompactor interface {
	Acked() uint64
	TruncateAckedUpTo(seq uint64) (int, error)
}

// SnapshotJob periodically writes a snapshot, then drops journal segments
// the snapshot covers and outbox records already delivered.
type SnapshotJob struct {
	venue   *Venue
	writer  *snapshot.Writer
	journal journalTruncater
	outbox  outboxCompactor
	log     *slog.Logger
}

func NewSnapshotJob(v *Venue, w *snapshot.Writer, journal journalTruncater, outbox outboxCompactor, logger *slog.Logger) *SnapshotJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotJob{
		venue:   v,
		writer:  w,
		journal: journal,
		outbox:  outbox,
		log:     logger.With("component", "snapshot"),
	}
}

// Start snapshots every interval until ctx is cancelled. The returned
// channel is closed once the loop has returned.
func (j *SnapshotJob) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := j.RunOnce(); err != nil {
					j.log.Error("snapshot failed", "error", err)
				}
			}
		}
	}()
	return done
}

func (j *SnapshotJob) RunOnce() error {
	s := j.venue.Export()
	if err := j.writer.Write(s); err != nil {
		return err
	}

	segments := 0
	if j.journal != nil {
		n, err := j.journal.TruncateBefore(s.Seq)
		if err != nil {
			return err
		}
		segments = n
	}
	records := 0
	if j.outbox != nil {
		n, err := j.outbox.TruncateAckedUpTo(j.outbox.Acked())
		if err != nil {
			return err
		}
		records = n
	}
	j.log.Info("snapshot written", "seq", s.Seq, "orders", len(s.Orders),
		"journal_segments_removed", segments, "outbox_records_removed", records)
	return nil
}
