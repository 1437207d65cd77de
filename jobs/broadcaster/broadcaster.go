// Package broadcaster drains the event outbox to downstream sinks. Records
// are published strictly in sequence order and acknowledged only after every
// sink accepted them, so delivery is at-least-once and consumers dedupe by
// event id.
package broadcaster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"perpex/domain/events"
	"perpex/infra/metrics"
	exitwal "perpex/infra/wal/exit"
)

// Sink is a downstream consumer of the event stream.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev events.Event) error
}

// Outbox is the part of the exit WAL the broadcaster drives.
type Outbox interface {
	ScanPending(fn func(exitwal.Record) (bool, error)) error
	MarkSent(seq uint64) error
	MarkFailed(seq uint64) error
	MarkAcked(seq uint64) error
}

type Config struct {
	Interval time.Duration
	// BatchSize caps the records published per pass. Zero means no cap.
	BatchSize int
}

type Broadcaster struct {
	outbox  Outbox
	sinks   []Sink
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(outbox Outbox, sinks []Sink, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		outbox:  outbox,
		sinks:   sinks,
		cfg:     cfg,
		log:     logger.With("component", "broadcaster"),
		metrics: m,
	}
}

// Start runs the drain loop until ctx is cancelled. The returned channel is
// closed once the loop has returned and no drain is in flight.
func (b *Broadcaster) Start(ctx context.Context) <-chan struct{} {
	b.log.Info("broadcaster started", "sinks", len(b.sinks), "interval", b.cfg.Interval)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				b.log.Info("broadcaster stopped")
				return
			case <-ticker.C:
				if _, err := b.Drain(ctx); err != nil {
					b.log.Warn("drain stopped early", "err", err)
				}
			}
		}
	}()
	return done
}

// Drain makes one pass over pending records and returns how many were
// acknowledged. It stops at the first record a sink rejects; that record is
// retried first on the next pass.
func (b *Broadcaster) Drain(ctx context.Context) (int, error) {
	acked := 0
	var failure error

	err := b.outbox.ScanPending(func(rec exitwal.Record) (bool, error) {
		if ctx.Err() != nil {
			return false, nil
		}
		if b.cfg.BatchSize > 0 && acked >= b.cfg.BatchSize {
			return false, nil
		}

		ev, err := events.Unmarshal(rec.Payload)
		if err != nil {
			// Undecodable payloads can never succeed; park them.
			b.log.Error("undecodable outbox record", "seq", rec.Seq, "err", err)
			return true, b.outbox.MarkFailed(rec.Seq)
		}

		if err := b.outbox.MarkSent(rec.Seq); err != nil {
			return false, err
		}
		if err := b.publish(ctx, ev); err != nil {
			failure = fmt.Errorf("seq %d: %w", rec.Seq, err)
			return false, b.outbox.MarkFailed(rec.Seq)
		}
		if err := b.outbox.MarkAcked(rec.Seq); err != nil {
			return false, err
		}
		acked++
		return true, nil
	})
	if err != nil {
		return acked, err
	}
	return acked, failure
}

func (b *Broadcaster) publish(ctx context.Context, ev events.Event) error {
	for _, s := range b.sinks {
		err := s.Publish(ctx, ev)
		b.metrics.ObservePublish(s.Name(), err)
		if err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return nil
}
