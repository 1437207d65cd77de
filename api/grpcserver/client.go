package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"perpex/api/dto"
)

// Client calls VenueServer over any connection with the pbwire codec.
type Client struct {
	cc    grpc.ClientConnInterface
	token string
}

func NewClient(cc grpc.ClientConnInterface, token string) *Client {
	return &Client{cc: cc, token: token}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

func call[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, in *dto.PlaceLimitRequest) (*dto.PlaceOrderResponse, error) {
	return call[dto.PlaceOrderResponse](ctx, c, "PlaceLimitOrder", in)
}

func (c *Client) PlaceMarketOrder(ctx context.Context, in *dto.PlaceMarketRequest) (*dto.PlaceOrderResponse, error) {
	return call[dto.PlaceOrderResponse](ctx, c, "PlaceMarketOrder", in)
}

func (c *Client) CancelOrder(ctx context.Context, in *dto.OrderRequest) (*dto.Order, error) {
	return call[dto.Order](ctx, c, "CancelOrder", in)
}

func (c *Client) BatchCancelOrders(ctx context.Context, in *dto.BatchCancelRequest) (*dto.BatchCancelResponse, error) {
	return call[dto.BatchCancelResponse](ctx, c, "BatchCancelOrders", in)
}

func (c *Client) Deposit(ctx context.Context, in *dto.CollateralRequest) (*dto.Account, error) {
	return call[dto.Account](ctx, c, "Deposit", in)
}

func (c *Client) Withdraw(ctx context.Context, in *dto.CollateralRequest) (*dto.Account, error) {
	return call[dto.Account](ctx, c, "Withdraw", in)
}

func (c *Client) UpdateMarkPrice(ctx context.Context, in *dto.MarkPriceRequest) (*dto.Empty, error) {
	return call[dto.Empty](ctx, c, "UpdateMarkPrice", in)
}

func (c *Client) CreateMarket(ctx context.Context, in *dto.MarketRequest) (*dto.Market, error) {
	return call[dto.Market](ctx, c, "CreateMarket", in)
}

func (c *Client) UpdateMarket(ctx context.Context, in *dto.MarketRequest) (*dto.Market, error) {
	return call[dto.Market](ctx, c, "UpdateMarket", in)
}

func (c *Client) PauseMarket(ctx context.Context, in *dto.MarketRequest) (*dto.Market, error) {
	return call[dto.Market](ctx, c, "PauseMarket", in)
}

func (c *Client) ResumeMarket(ctx context.Context, in *dto.MarketRequest) (*dto.Market, error) {
	return call[dto.Market](ctx, c, "ResumeMarket", in)
}

func (c *Client) SettleMarket(ctx context.Context, in *dto.SettleRequest) (*dto.Settlement, error) {
	return call[dto.Settlement](ctx, c, "SettleMarket", in)
}

func (c *Client) GetOrder(ctx context.Context, in *dto.OrderRequest) (*dto.Order, error) {
	return call[dto.Order](ctx, c, "GetOrder", in)
}

func (c *Client) OpenOrders(ctx context.Context, in *dto.OwnerRequest) (*dto.Orders, error) {
	return call[dto.Orders](ctx, c, "OpenOrders", in)
}

func (c *Client) MarginSummary(ctx context.Context, in *dto.OwnerRequest) (*dto.MarginSummary, error) {
	return call[dto.MarginSummary](ctx, c, "MarginSummary", in)
}

func (c *Client) OrderBook(ctx context.Context, in *dto.BookRequest) (*dto.Book, error) {
	return call[dto.Book](ctx, c, "OrderBook", in)
}

func (c *Client) ListMarkets(ctx context.Context) (*dto.Markets, error) {
	return call[dto.Markets](ctx, c, "ListMarkets", &dto.Empty{})
}
