// Package wire encodes journaled venue commands in protobuf wire format.
// Field numbers are stable; unknown fields are skipped on decode so older
// journals stay readable.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"perpex/domain/market"
)

type Op uint8

const (
	OpPlaceLimit Op = iota + 1
	OpPlaceMarket
	OpCancel
	OpBatchCancel
	OpDeposit
	OpWithdraw
	OpMarkPrice
	OpCreateMarket
	OpUpdateMarket
	OpPauseMarket
	OpResumeMarket
	OpSettleMarket
)

func (o Op) String() string {
	switch o {
	case OpPlaceLimit:
		return "place_limit"
	case OpPlaceMarket:
		return "place_market"
	case OpCancel:
		return "cancel"
	case OpBatchCancel:
		return "batch_cancel"
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	case OpMarkPrice:
		return "mark_price"
	case OpCreateMarket:
		return "create_market"
	case OpUpdateMarket:
		return "update_market"
	case OpPauseMarket:
		return "pause_market"
	case OpResumeMarket:
		return "resume_market"
	case OpSettleMarket:
		return "settle_market"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Command is one accepted mutation. Time is the acceptance timestamp and is
// reused verbatim on replay.
type Command struct {
	Op          Op
	Caller      string
	Market      string
	Owner       string
	OrderID     uint64
	OrderIDs    []uint64
	Side        uint8
	Mode        uint8
	Price       int64
	Size        int64
	SlippageBps int64
	Amount      int64
	Params      market.Params
	Time        int64
}

const (
	fOp protowire.Number = iota + 1
	fCaller
	fMarket
	fOwner
	fOrderID
	fOrderIDs
	fSide
	fMode
	fPrice
	fSize
	fSlippage
	fAmount
	fParams
	fTime
)

var ErrNoOp = errors.New("wire: command without op")

func Marshal(c Command) []byte {
	b := make([]byte, 0, 64)
	b = appendVarint(b, fOp, uint64(c.Op))
	b = appendString(b, fCaller, c.Caller)
	b = appendString(b, fMarket, c.Market)
	b = appendString(b, fOwner, c.Owner)
	b = appendVarint(b, fOrderID, c.OrderID)
	if len(c.OrderIDs) > 0 {
		var packed []byte
		for _, id := range c.OrderIDs {
			packed = protowire.AppendVarint(packed, id)
		}
		b = protowire.AppendTag(b, fOrderIDs, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendVarint(b, fSide, uint64(c.Side))
	b = appendVarint(b, fMode, uint64(c.Mode))
	b = appendSint(b, fPrice, c.Price)
	b = appendSint(b, fSize, c.Size)
	b = appendSint(b, fSlippage, c.SlippageBps)
	b = appendSint(b, fAmount, c.Amount)
	if c.Params != (market.Params{}) {
		b = protowire.AppendTag(b, fParams, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalParams(c.Params))
	}
	b = appendSint(b, fTime, c.Time)
	return b
}

func Unmarshal(b []byte) (Command, error) {
	var c Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return c, protowire.ParseError(m)
			}
			b = b[m:]
			c.setVarint(num, v)
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return c, protowire.ParseError(m)
			}
			b = b[m:]
			if err := c.setBytes(num, v); err != nil {
				return c, err
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return c, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	if c.Op == 0 {
		return c, ErrNoOp
	}
	return c, nil
}

func (c *Command) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fOp:
		c.Op = Op(v)
	case fOrderID:
		c.OrderID = v
	case fSide:
		c.Side = uint8(v)
	case fMode:
		c.Mode = uint8(v)
	case fPrice:
		c.Price = protowire.DecodeZigZag(v)
	case fSize:
		c.Size = protowire.DecodeZigZag(v)
	case fSlippage:
		c.SlippageBps = protowire.DecodeZigZag(v)
	case fAmount:
		c.Amount = protowire.DecodeZigZag(v)
	case fTime:
		c.Time = protowire.DecodeZigZag(v)
	}
}

func (c *Command) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fCaller:
		c.Caller = string(v)
	case fMarket:
		c.Market = string(v)
	case fOwner:
		c.Owner = string(v)
	case fOrderIDs:
		for len(v) > 0 {
			id, m := protowire.ConsumeVarint(v)
			if m < 0 {
				return protowire.ParseError(m)
			}
			c.OrderIDs = append(c.OrderIDs, id)
			v = v[m:]
		}
	case fParams:
		p, err := unmarshalParams(v)
		if err != nil {
			return err
		}
		c.Params = p
	}
	return nil
}

// market.Params fields in declaration order.
func paramFields(p *market.Params) []*int64 {
	return []*int64{
		&p.MarginBps, &p.FeeBps, &p.MakerFeeBps, &p.MaintenanceBps,
		&p.BufferBps, &p.PenaltyBps, &p.PenaltyCapBps,
		&p.MinPrice, &p.MaxPrice, &p.TickSize, &p.LotSize,
	}
}

func marshalParams(p market.Params) []byte {
	var b []byte
	for i, f := range paramFields(&p) {
		b = appendSint(b, protowire.Number(i+1), *f)
	}
	return b
}

func unmarshalParams(b []byte) (market.Params, error) {
	var p market.Params
	fields := paramFields(&p)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return p, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return p, protowire.ParseError(m)
		}
		b = b[m:]
		if i := int(num) - 1; i >= 0 && i < len(fields) {
			*fields[i] = protowire.DecodeZigZag(v)
		}
	}
	return p, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
