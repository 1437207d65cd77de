package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpex/domain/authz"
	"perpex/infra/kafka"
)

type scripted struct {
	mu    sync.Mutex
	steps []func() (kafka.Quote, error)
	done  chan struct{}
}

func (s *scripted) Next(ctx context.Context) (kafka.Quote, error) {
	s.mu.Lock()
	if len(s.steps) == 0 {
		s.mu.Unlock()
		close(s.done)
		<-ctx.Done()
		return kafka.Quote{}, ctx.Err()
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()
	return step()
}

type recorder struct {
	mu      sync.Mutex
	applied []kafka.Quote
	callers []string
}

func (r *recorder) UpdateMarkPrice(_ context.Context, c authz.Caller, market string, price int64) error {
	if market == "UNKNOWN" {
		return errors.New("no such market")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, kafka.Quote{Market: market, Price: price})
	r.callers = append(r.callers, c.Subject)
	return nil
}

func quote(m string, p int64) func() (kafka.Quote, error) {
	return func() (kafka.Quote, error) { return kafka.Quote{Market: m, Price: p}, nil }
}

func TestRunAppliesQuotesAndSkipsBadOnes(t *testing.T) {
	src := &scripted{
		done: make(chan struct{}),
		steps: []func() (kafka.Quote, error){
			quote("BTC-PERP", 100),
			func() (kafka.Quote, error) { return kafka.Quote{}, fmt.Errorf("%w: bad", kafka.ErrMalformed) },
			quote("UNKNOWN", 5),
			func() (kafka.Quote, error) { return kafka.Quote{}, errors.New("broker gone") },
			quote("BTC-PERP", 101),
		},
	}
	rec := &recorder{}
	caller := authz.Caller{Subject: "oracle", Grants: []authz.Grant{{Capability: authz.CapOracle, Market: authz.AnyMarket}}}

	f := New(src, rec, caller, nil)
	f.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(finished)
	}()

	select {
	case <-src.done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not consume all quotes")
	}
	cancel()
	<-finished

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.applied, 2)
	assert.Equal(t, int64(100), rec.applied[0].Price)
	assert.Equal(t, int64(101), rec.applied[1].Price)
	assert.Equal(t, []string{"oracle", "oracle"}, rec.callers)
}
