package httpapi

import (
	"context"
	"sync"

	"perpex/domain/events"
)

const subscriberBuffer = 256

// Subscription receives hub events until it is unsubscribed.
type Subscription struct {
	market string
	ch     chan events.Event
}

// Hub is the broadcaster sink feeding websocket subscribers. A full
// subscriber buffer drops the event for that subscriber only.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

func (h *Hub) Name() string { return "websocket" }

// Subscribe registers a subscriber for market, or for every market when
// market is empty.
func (h *Hub) Subscribe(market string) *Subscription {
	s := &Subscription{market: market, ch: make(chan events.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.market != "" && ev.Market != "" && s.market != ev.Market {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
