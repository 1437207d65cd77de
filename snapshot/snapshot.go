package snapshot

import (
	"time"

	"perpex/domain/ledger"
	"perpex/domain/market"
)

// Snapshot is gob-encoded; fields are append-only.
type Snapshot struct {
	// Seq is the last journal sequence applied to this image.
	Seq      uint64
	OrderSeq uint64
	EventSeq uint64
	Created  time.Time

	Markets []market.Market
	// Orders are resting orders per book, bids then asks, in priority order.
	Orders []OrderEntry
	Ledger ledger.State
	Risk   []RiskEntry
}

type OrderEntry struct {
	ID        uint64
	Market    string
	Owner     string
	Side      uint8
	Kind      uint8
	Status    uint8
	Mode      uint8
	Price     int64
	Size      int64
	Filled    int64
	Reserved  int64
	CreatedAt int64
}

type RiskEntry struct {
	Owner  string
	Market string
	State  uint8
}
