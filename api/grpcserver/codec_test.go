package grpcserver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"pgregory.net/rapid"

	"perpex/api/dto"
)

func roundTrip[T any](t *testing.T, in *T) *T {
	t.Helper()
	c := wireCodec{}
	b, err := c.Marshal(in)
	require.NoError(t, err)
	out := new(T)
	require.NoError(t, c.Unmarshal(b, out))
	return out
}

func TestCodecIsRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	assert.Equal(t, CodecName, c.Name())
}

func TestCodecRoundTripsNestedMessages(t *testing.T) {
	resp := &dto.PlaceOrderResponse{
		Order: dto.Order{
			ID: 7, Market: btc, Owner: "alice", Side: "BUY", Kind: "LIMIT",
			Price: "100.5", Size: "2", Filled: "1", Status: "PARTIALLY_FILLED",
			Mode: "CROSS", Reserved: "10.05", CreatedAt: 1_700_000_000_000,
		},
		Trades: []dto.Trade{
			{MakerOrderID: 3, Maker: "bob", Price: "100", Size: "1", Fee: "0.05"},
			{MakerOrderID: 4, Maker: "carol", Price: "100.5", Size: "0"},
		},
	}
	assert.Equal(t, resp, roundTrip(t, resp))

	batch := &dto.BatchCancelResponse{Results: []dto.CancelOutcome{
		{OrderID: 1, Order: &dto.Order{ID: 1, Status: "CANCELLED"}},
		{OrderID: 2, Error: "order 2 not found", Kind: "NotFound"},
	}}
	assert.Equal(t, batch, roundTrip(t, batch))

	ids := &dto.BatchCancelRequest{OrderIDs: []uint64{1, 300, math.MaxUint64}}
	assert.Equal(t, ids, roundTrip(t, ids))

	m := &dto.Markets{Markets: []dto.Market{{ID: btc, Status: "ACTIVE", Params: btcParams, MarkPrice: "100"}}}
	assert.Equal(t, m, roundTrip(t, m))

	book := &dto.Book{Market: btc, Bids: []dto.Level{{Price: "99", Size: "3", Orders: 2}}}
	assert.Equal(t, book, roundTrip(t, book))
}

func TestCodecEncodesNegativeIntegers(t *testing.T) {
	in := &dto.PlaceMarketRequest{Market: btc, Side: "SELL", Size: "1", MaxSlippageBps: -5}
	assert.Equal(t, in, roundTrip(t, in))

	lvl := &dto.BookRequest{Market: btc, Levels: math.MinInt32}
	assert.Equal(t, lvl, roundTrip(t, lvl))
}

func TestCodecEmptyMessage(t *testing.T) {
	b, err := wireCodec{}.Marshal(&dto.Empty{})
	require.NoError(t, err)
	assert.Empty(t, b)
	require.NoError(t, wireCodec{}.Unmarshal(nil, &dto.Empty{}))

	out := roundTrip(t, &dto.CancelOutcome{OrderID: 9})
	assert.Nil(t, out.Order)
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	b, err := wireCodec{}.Marshal(&dto.Order{ID: 42, Market: btc, Owner: "alice", CreatedAt: -1})
	require.NoError(t, err)

	var req dto.OrderRequest
	require.NoError(t, wireCodec{}.Unmarshal(b, &req))
	assert.Equal(t, uint64(42), req.OrderID)
}

func TestCodecRejectsMalformedInput(t *testing.T) {
	// field 1 of Account is a string; field 1 of OrderRequest is a varint
	b, err := wireCodec{}.Marshal(&dto.Account{Owner: "alice"})
	require.NoError(t, err)
	assert.Error(t, wireCodec{}.Unmarshal(b, &dto.OrderRequest{}))

	truncated := protowire.AppendTag(nil, 1, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 10)
	assert.Error(t, wireCodec{}.Unmarshal(truncated, &dto.Account{}))

	assert.Error(t, wireCodec{}.Unmarshal(nil, dto.Account{}))
	_, err = wireCodec{}.Marshal("not a message")
	assert.Error(t, err)
}

func TestCodecRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := dto.Settlement{
			Market:          rapid.String().Draw(t, "market"),
			Price:           rapid.StringMatching(`[0-9]{1,6}(\.[0-9]{1,6})?`).Draw(t, "price"),
			CancelledOrders: rapid.Int().Draw(t, "cancelled"),
		}
		for i, n := 0, rapid.IntRange(0, 4).Draw(t, "positions"); i < n; i++ {
			in.Positions = append(in.Positions, dto.SettledPosition{
				Owner:    rapid.String().Draw(t, "owner"),
				Size:     rapid.String().Draw(t, "size"),
				Realized: rapid.String().Draw(t, "realized"),
				BadDebt:  rapid.String().Draw(t, "bad_debt"),
			})
		}
		ids := rapid.SliceOf(rapid.Uint64()).Draw(t, "ids")
		if len(ids) == 0 {
			ids = nil
		}

		c := wireCodec{}
		b, err := c.Marshal(&in)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out dto.Settlement
		if err := c.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		assert.Equal(t, in, out)

		req := dto.BatchCancelRequest{OrderIDs: ids}
		if b, err = c.Marshal(&req); err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back dto.BatchCancelRequest
		if err := c.Unmarshal(b, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		assert.Equal(t, req, back)
	})
}
