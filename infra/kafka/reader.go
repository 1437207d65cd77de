package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"perpex/domain/fixed"
)

var ErrMalformed = errors.New("malformed price message")

// Quote is one oracle mark price.
type Quote struct {
	Market string
	Price  int64
	Time   int64
}

type priceMessage struct {
	Market string `json:"market"`
	Price  string `json:"price"`
	TS     int64  `json:"ts"`
}

// PriceReader consumes oracle mark prices from a topic with a consumer
// group. Offsets are committed after a message is handed out.
type PriceReader struct {
	reader *kafka.Reader
}

func NewPriceReader(brokers []string, topic, group string) *PriceReader {
	return &PriceReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        group,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			MaxWait:        250 * time.Millisecond,
			CommitInterval: 0,
		}),
	}
}

// Next blocks for the next quote. Malformed messages are committed and
// reported with ErrMalformed so the caller can skip them.
func (p *PriceReader) Next(ctx context.Context) (Quote, error) {
	msg, err := p.reader.FetchMessage(ctx)
	if err != nil {
		return Quote{}, err
	}
	q, decodeErr := DecodeQuote(msg.Value)
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		return Quote{}, fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	if decodeErr != nil {
		return Quote{}, decodeErr
	}
	if q.Time == 0 {
		q.Time = msg.Time.UnixNano()
	}
	return q, nil
}

func (p *PriceReader) Close() error {
	return p.reader.Close()
}

// DecodeQuote parses {"market":"ETH-PERP","price":"2010.5","ts":...}.
func DecodeQuote(b []byte) (Quote, error) {
	var m priceMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Market == "" {
		return Quote{}, fmt.Errorf("%w: missing market", ErrMalformed)
	}
	price, err := fixed.Parse(m.Price)
	if err != nil || price <= 0 {
		return Quote{}, fmt.Errorf("%w: bad price %q", ErrMalformed, m.Price)
	}
	return Quote{Market: m.Market, Price: price, Time: m.TS}, nil
}
