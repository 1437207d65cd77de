// Package events defines the ordered, append-only stream the venue emits.
// One event is emitted per state transition, numbered by a global sequence.
package events

import (
	"encoding/binary"
	"encoding/json"

	"github.com/google/uuid"
)

type Type string

const (
	OrderPlaced            Type = "order.placed"
	OrderCancelled         Type = "order.cancelled"
	TradeExecuted          Type = "trade.executed"
	BatchMatchingCompleted Type = "batch.matching_completed"

	CollateralDeposited Type = "collateral.deposited"
	CollateralWithdrawn Type = "collateral.withdrawn"

	MarketCreated   Type = "market.created"
	MarketUpdated   Type = "market.updated"
	MarkPriceUpdate Type = "market.mark_price"
	MarketSettled   Type = "market.settled"

	PositionAtRisk      Type = "position.at_risk"
	PositionLiquidated  Type = "position.liquidated"
	LiquidationDeferred Type = "position.liquidation_deferred"
	PositionSettled     Type = "position.settled"
	BadDebtCovered      Type = "insurance.bad_debt_covered"
)

// namespace for deterministic event ids; replaying the same sequence
// yields the same id.
var namespace = uuid.MustParse("5d1f7a8e-3b1c-4e0f-9a51-6f2b9c0d4e71")

type Event struct {
	ID     string          `json:"id"`
	Seq    uint64          `json:"seq"`
	Type   Type            `json:"type"`
	Market string          `json:"market,omitempty"`
	Time   int64           `json:"time"`
	Data   json.RawMessage `json:"data"`
}

// New builds an event with a JSON payload. Payload types are plain structs
// and always marshal.
func New(seq uint64, typ Type, market string, ts int64, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Event{
		ID:     IDFor(seq).String(),
		Seq:    seq,
		Type:   typ,
		Market: market,
		Time:   ts,
		Data:   data,
	}
}

func IDFor(seq uint64) uuid.UUID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return uuid.NewSHA1(namespace, b[:])
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}

// ---- payloads ----
// Amounts are fixed-point integers at the venue scale.

type OrderPlacedData struct {
	OrderID uint64 `json:"order_id"`
	Owner   string `json:"owner"`
	Side    string `json:"side"`
	Kind    string `json:"kind"`
	Price   int64  `json:"price"`
	Size    int64  `json:"size"`
	Mode    string `json:"mode"`
}

type OrderCancelledData struct {
	OrderID   uint64 `json:"order_id"`
	Owner     string `json:"owner"`
	Remaining int64  `json:"remaining"`
	Released  int64  `json:"released"`
	Reason    string `json:"reason"`
}

type TradeData struct {
	TakerOrderID uint64 `json:"taker_order_id"`
	MakerOrderID uint64 `json:"maker_order_id"`
	Taker        string `json:"taker"`
	Maker        string `json:"maker"`
	TakerSide    string `json:"taker_side"`
	Price        int64  `json:"price"`
	Size         int64  `json:"size"`
	TakerFee     int64  `json:"taker_fee"`
	MakerFee     int64  `json:"maker_fee"`
}

type BatchData struct {
	OrderID    uint64 `json:"order_id"`
	TradeCount int    `json:"trade_count"`
}

type CollateralData struct {
	Owner  string `json:"owner"`
	Amount int64  `json:"amount"`
}

type MarketData struct {
	Status         string `json:"status"`
	MarginBps      int64  `json:"margin_bps"`
	FeeBps         int64  `json:"fee_bps"`
	MakerFeeBps    int64  `json:"maker_fee_bps"`
	MaintenanceBps int64  `json:"maintenance_bps"`
}

type PriceData struct {
	Price int64 `json:"price"`
}

type RiskData struct {
	Owner    string `json:"owner"`
	Size     int64  `json:"size"`
	RatioBps int64  `json:"ratio_bps"`
	State    string `json:"state"`
}

type LiquidationData struct {
	Owner     string `json:"owner"`
	Closed    int64  `json:"closed"`
	Remaining int64  `json:"remaining"`
	Penalty   int64  `json:"penalty"`
	Realized  int64  `json:"realized"`
}

type SettlementData struct {
	Owner    string `json:"owner,omitempty"`
	Price    int64  `json:"price"`
	Size     int64  `json:"size,omitempty"`
	Realized int64  `json:"realized,omitempty"`
}

type BadDebtData struct {
	Owner  string `json:"owner"`
	Amount int64  `json:"amount"`
}
