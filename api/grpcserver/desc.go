package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"perpex/api/dto"
)

const ServiceName = "perpex.v1.Venue"

// VenueServer is the RPC surface. Every method takes and returns dto
// structs encoded with the pbwire codec.
type VenueServer interface {
	PlaceLimitOrder(context.Context, *dto.PlaceLimitRequest) (*dto.PlaceOrderResponse, error)
	PlaceMarketOrder(context.Context, *dto.PlaceMarketRequest) (*dto.PlaceOrderResponse, error)
	CancelOrder(context.Context, *dto.OrderRequest) (*dto.Order, error)
	BatchCancelOrders(context.Context, *dto.BatchCancelRequest) (*dto.BatchCancelResponse, error)

	Deposit(context.Context, *dto.CollateralRequest) (*dto.Account, error)
	Withdraw(context.Context, *dto.CollateralRequest) (*dto.Account, error)

	UpdateMarkPrice(context.Context, *dto.MarkPriceRequest) (*dto.Empty, error)
	CreateMarket(context.Context, *dto.MarketRequest) (*dto.Market, error)
	UpdateMarket(context.Context, *dto.MarketRequest) (*dto.Market, error)
	PauseMarket(context.Context, *dto.MarketRequest) (*dto.Market, error)
	ResumeMarket(context.Context, *dto.MarketRequest) (*dto.Market, error)
	SettleMarket(context.Context, *dto.SettleRequest) (*dto.Settlement, error)

	GetOrder(context.Context, *dto.OrderRequest) (*dto.Order, error)
	OpenOrders(context.Context, *dto.OwnerRequest) (*dto.Orders, error)
	MarginSummary(context.Context, *dto.OwnerRequest) (*dto.MarginSummary, error)
	OrderBook(context.Context, *dto.BookRequest) (*dto.Book, error)
	ListMarkets(context.Context, *dto.Empty) (*dto.Markets, error)
}

func unary[Req, Resp any](name string, call func(VenueServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(VenueServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(VenueServer), ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc is written by hand; the dto structs stand in for generated messages.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VenueServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("PlaceLimitOrder", VenueServer.PlaceLimitOrder),
		unary("PlaceMarketOrder", VenueServer.PlaceMarketOrder),
		unary("CancelOrder", VenueServer.CancelOrder),
		unary("BatchCancelOrders", VenueServer.BatchCancelOrders),
		unary("Deposit", VenueServer.Deposit),
		unary("Withdraw", VenueServer.Withdraw),
		unary("UpdateMarkPrice", VenueServer.UpdateMarkPrice),
		unary("CreateMarket", VenueServer.CreateMarket),
		unary("UpdateMarket", VenueServer.UpdateMarket),
		unary("PauseMarket", VenueServer.PauseMarket),
		unary("ResumeMarket", VenueServer.ResumeMarket),
		unary("SettleMarket", VenueServer.SettleMarket),
		unary("GetOrder", VenueServer.GetOrder),
		unary("OpenOrders", VenueServer.OpenOrders),
		unary("MarginSummary", VenueServer.MarginSummary),
		unary("OrderBook", VenueServer.OrderBook),
		unary("ListMarkets", VenueServer.ListMarkets),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpex/v1/venue",
}
