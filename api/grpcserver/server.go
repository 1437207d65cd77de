// Package grpcserver exposes the venue's commands and views over gRPC with
// a protobuf wire codec over the dto structs.
package grpcserver

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"perpex/api/dto"
	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/domain/ledger"
	"perpex/domain/market"
	"perpex/infra/auth"
	"perpex/service"
)

// Backend is everything the RPC surface calls on the venue.
type Backend interface {
	service.OrderPlacement
	service.Collateral
	service.Pricing
	service.MarketAdmin
	service.Liquidation
	service.Settlement
	service.Queries
}

// Server adapts the venue to VenueServer. Every method runs with the
// caller the auth interceptor placed in the context.
type Server struct {
	venue       Backend
	depthLevels int
	log         *slog.Logger
}

var _ VenueServer = (*Server)(nil)

func NewServer(v Backend, depthLevels int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if depthLevels <= 0 {
		depthLevels = 20
	}
	return &Server{venue: v, depthLevels: depthLevels, log: logger.With("component", "grpc")}
}

// New builds a grpc.Server serving the venue and the standard health
// service behind the interceptor chain.
func New(s *Server, issuer *auth.Issuer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(s.log),
		AuthInterceptor(issuer),
		LoggingInterceptor(s.log),
	))
	g := grpc.NewServer(opts...)
	g.RegisterService(&ServiceDesc, s)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return g, hs
}

// -------------------- Commands --------------------

func (s *Server) PlaceLimitOrder(ctx context.Context, req *dto.PlaceLimitRequest) (*dto.PlaceOrderResponse, error) {
	order, err := req.Decode()
	if err != nil {
		return nil, toStatus(err)
	}
	p, err := s.venue.PlaceLimitOrder(ctx, callerFrom(ctx), order)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromPlacement(p)
	return &resp, nil
}

func (s *Server) PlaceMarketOrder(ctx context.Context, req *dto.PlaceMarketRequest) (*dto.PlaceOrderResponse, error) {
	order, err := req.Decode()
	if err != nil {
		return nil, toStatus(err)
	}
	place := s.venue.PlaceMarketOrder
	if order.MaxSlippageBps != 0 {
		place = s.venue.PlaceMarketOrderWithSlippage
	}
	p, err := place(ctx, callerFrom(ctx), order)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromPlacement(p)
	return &resp, nil
}

func (s *Server) CancelOrder(ctx context.Context, req *dto.OrderRequest) (*dto.Order, error) {
	o, err := s.venue.CancelOrder(ctx, callerFrom(ctx), req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromOrder(o)
	return &resp, nil
}

func (s *Server) BatchCancelOrders(ctx context.Context, req *dto.BatchCancelRequest) (*dto.BatchCancelResponse, error) {
	res, err := s.venue.BatchCancelOrders(ctx, callerFrom(ctx), req.OrderIDs)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromCancelResults(res)
	return &resp, nil
}

func (s *Server) Deposit(ctx context.Context, req *dto.CollateralRequest) (*dto.Account, error) {
	return s.collateral(ctx, req, s.venue.Deposit)
}

func (s *Server) Withdraw(ctx context.Context, req *dto.CollateralRequest) (*dto.Account, error) {
	return s.collateral(ctx, req, s.venue.Withdraw)
}

type collateralFunc func(context.Context, authz.Caller, string, int64) (ledger.Account, error)

func (s *Server) collateral(ctx context.Context, req *dto.CollateralRequest, move collateralFunc) (*dto.Account, error) {
	caller := callerFrom(ctx)
	amount, err := dto.Amount("amount", req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	owner := req.Owner
	if owner == "" {
		owner = caller.Subject
	}
	a, err := move(ctx, caller, owner, amount)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromAccount(a)
	return &resp, nil
}

func (s *Server) UpdateMarkPrice(ctx context.Context, req *dto.MarkPriceRequest) (*dto.Empty, error) {
	price, err := dto.Amount("price", req.Price)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.venue.UpdateMarkPrice(ctx, callerFrom(ctx), req.Market, price); err != nil {
		return nil, toStatus(err)
	}
	return &dto.Empty{}, nil
}

func (s *Server) CreateMarket(ctx context.Context, req *dto.MarketRequest) (*dto.Market, error) {
	p, err := req.Params.Decode()
	if err != nil {
		return nil, toStatus(err)
	}
	return marketResult(s.venue.CreateMarket(ctx, callerFrom(ctx), req.Market, p))
}

func (s *Server) UpdateMarket(ctx context.Context, req *dto.MarketRequest) (*dto.Market, error) {
	p, err := req.Params.Decode()
	if err != nil {
		return nil, toStatus(err)
	}
	return marketResult(s.venue.UpdateMarket(ctx, callerFrom(ctx), req.Market, p))
}

func (s *Server) PauseMarket(ctx context.Context, req *dto.MarketRequest) (*dto.Market, error) {
	return marketResult(s.venue.PauseMarket(ctx, callerFrom(ctx), req.Market))
}

func (s *Server) ResumeMarket(ctx context.Context, req *dto.MarketRequest) (*dto.Market, error) {
	return marketResult(s.venue.ResumeMarket(ctx, callerFrom(ctx), req.Market))
}

func (s *Server) SettleMarket(ctx context.Context, req *dto.SettleRequest) (*dto.Settlement, error) {
	price, err := dto.Amount("price", req.Price)
	if err != nil {
		return nil, toStatus(err)
	}
	rep, err := s.venue.SettleMarket(ctx, callerFrom(ctx), req.Market, price)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromSettlement(rep)
	return &resp, nil
}

// -------------------- Queries --------------------

func (s *Server) GetOrder(ctx context.Context, req *dto.OrderRequest) (*dto.Order, error) {
	o, err := s.venue.GetOrder(req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := mayRead(callerFrom(ctx), o.Owner); err != nil {
		// foreign orders look absent
		return nil, toStatus(errs.NotFound("order %d", req.OrderID))
	}
	resp := dto.FromOrder(o)
	return &resp, nil
}

func (s *Server) OpenOrders(ctx context.Context, req *dto.OwnerRequest) (*dto.Orders, error) {
	owner, err := ownerOf(callerFrom(ctx), req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromOrders(s.venue.OpenOrders(owner, req.Market))
	return &resp, nil
}

func (s *Server) MarginSummary(ctx context.Context, req *dto.OwnerRequest) (*dto.MarginSummary, error) {
	owner, err := ownerOf(callerFrom(ctx), req.Owner)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromMargin(s.venue.MarginSummary(owner), s.venue.Positions(owner))
	return &resp, nil
}

func (s *Server) OrderBook(ctx context.Context, req *dto.BookRequest) (*dto.Book, error) {
	levels := req.Levels
	if levels <= 0 {
		levels = s.depthLevels
	}
	d, err := s.venue.Depth(req.Market, levels)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromDepth(req.Market, d)
	return &resp, nil
}

func (s *Server) ListMarkets(ctx context.Context, _ *dto.Empty) (*dto.Markets, error) {
	resp := dto.FromMarkets(s.venue.Markets())
	return &resp, nil
}

// -------------------- Helpers --------------------

func marketResult(m market.Market, err error) (*dto.Market, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	resp := dto.FromMarket(m)
	return &resp, nil
}

// ownerOf resolves the owner a read is about; only admins read others.
func ownerOf(caller authz.Caller, owner string) (string, error) {
	if owner == "" {
		return caller.Subject, nil
	}
	return owner, mayRead(caller, owner)
}

func mayRead(caller authz.Caller, owner string) error {
	if caller.Subject == owner || caller.Can(authz.CapAdmin, authz.AnyMarket) {
		return nil
	}
	return errs.New(errs.KindNotOwner, "%s may not read %s", caller.Subject, owner)
}
