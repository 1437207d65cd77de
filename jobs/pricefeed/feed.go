// Package pricefeed applies oracle mark prices from an external source to
// the venue.
package pricefeed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"perpex/domain/authz"
	"perpex/infra/kafka"
)

type Source interface {
	Next(ctx context.Context) (kafka.Quote, error)
}

type Updater interface {
	UpdateMarkPrice(ctx context.Context, caller authz.Caller, market string, price int64) error
}

type Feed struct {
	src     Source
	venue   Updater
	caller  authz.Caller
	log     *slog.Logger
	backoff time.Duration
}

// New returns a feed that updates prices as caller, which must hold the
// oracle capability for the quoted markets.
func New(src Source, venue Updater, caller authz.Caller, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		src:     src,
		venue:   venue,
		caller:  caller,
		log:     logger.With("component", "pricefeed"),
		backoff: time.Second,
	}
}

// Run consumes quotes until ctx is cancelled. Rejected or malformed quotes
// are logged and skipped; source errors back off and retry.
func (f *Feed) Run(ctx context.Context) {
	f.log.Info("price feed started", "subject", f.caller.Subject)
	for {
		q, err := f.src.Next(ctx)
		if ctx.Err() != nil {
			f.log.Info("price feed stopped")
			return
		}
		switch {
		case errors.Is(err, kafka.ErrMalformed):
			f.log.Warn("skipping quote", "err", err)
			continue
		case err != nil:
			f.log.Error("price source failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.backoff):
			}
			continue
		}

		if err := f.venue.UpdateMarkPrice(ctx, f.caller, q.Market, q.Price); err != nil {
			f.log.Warn("mark price rejected", "market", q.Market, "price", q.Price, "err", err)
			continue
		}
		f.log.Debug("mark price applied", "market", q.Market, "price", q.Price)
	}
}
