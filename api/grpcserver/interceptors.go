package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"perpex/domain/authz"
	"perpex/domain/errs"
	"perpex/infra/auth"
)

type callerKey struct{}

// WithCaller stores the authenticated caller in ctx.
func WithCaller(ctx context.Context, c authz.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// callerFrom returns the anonymous caller when none was authenticated; the
// venue rejects it.
func callerFrom(ctx context.Context) authz.Caller {
	c, _ := ctx.Value(callerKey{}).(authz.Caller)
	return c
}

const healthPrefix = "/grpc.health.v1.Health/"

// AuthInterceptor turns the bearer token in the authorization metadata into
// an authz.Caller. Health checks stay open.
func AuthInterceptor(issuer *auth.Issuer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		vals := md.Get("authorization")
		if len(vals) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		token, ok := auth.BearerToken(vals[0])
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "malformed authorization header")
		}
		caller, err := issuer.Parse(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(WithCaller(ctx, caller), req)
	}
}

func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelDebug
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.Unavailable:
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}
		logger.Log(ctx, level, "rpc",
			"method", info.FullMethod,
			"code", code.String(),
			"caller", callerFrom(ctx).Subject,
			"duration", time.Since(start),
		)
		return resp, err
	}
}

// RecoveryInterceptor converts a handler panic into codes.Internal.
func RecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("rpc panic", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// toStatus maps domain failures onto gRPC codes; the message keeps the
// domain text.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(Code(errs.KindOf(err)), err.Error())
}

func Code(k errs.Kind) codes.Code {
	switch k {
	case errs.KindInvalidParameter, errs.KindPriceOutOfRange, errs.KindInvalidBatchSize:
		return codes.InvalidArgument
	case errs.KindInsufficientCollateral, errs.KindInsufficientAvailable, errs.KindMarketNotActive:
		return codes.FailedPrecondition
	case errs.KindNotFound:
		return codes.NotFound
	case errs.KindNotOwner, errs.KindUnauthorized:
		return codes.PermissionDenied
	case errs.KindAlreadyExists:
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}
