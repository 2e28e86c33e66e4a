package main

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/middleware"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

// reasonTrailer carries apperr reason codes such as SENDER_MISMATCH.
const reasonTrailer = "x-error-reason"

// methods that don't require authentication
var publicMethods = map[string]bool{
	fullMethod("Challenge"): true,
	fullMethod("Login"):     true,
}

// methodBuckets assigns each RPC its rate limit bucket. Unlisted methods use
// the general bucket.
var methodBuckets = map[string]middleware.Bucket{
	fullMethod("Challenge"):     middleware.BucketAuth,
	fullMethod("Login"):         middleware.BucketAuth,
	fullMethod("PaymentIntent"): middleware.BucketPayment,
	fullMethod("VerifyAccount"): middleware.BucketPayment,
	fullMethod("SendMessage"):   middleware.BucketMessaging,
	fullMethod("ListMessages"):  middleware.BucketMessaging,
	fullMethod("MarkRead"):      middleware.BucketMessaging,
	fullMethod("Swipe"):         middleware.BucketDiscovery,
	fullMethod("Candidates"):    middleware.BucketDiscovery,
}

// authUnaryInterceptor returns a UnaryServerInterceptor that enforces JWT authentication
// for all methods except the public ones (Challenge, Login). Rejected
// credentials are charged to the caller's auth bucket through failed.
func authUnaryInterceptor(authn realtime.Authenticator, failed *middleware.FailedAuth) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		// a peer that keeps presenting bad credentials is cut off first
		key := middleware.PeerKey(ctx)
		if d := failed.Check(ctx, key); !d.Allowed {
			return nil, middleware.Exhausted(ctx, d)
		}
		reject := func(msg string) error {
			failed.Fail(ctx, key)
			return status.Error(codes.Unauthenticated, msg)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, reject("missing metadata")
		}
		authHeaders := md.Get("authorization")
		if len(authHeaders) == 0 {
			return nil, reject("missing authorization header")
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeaders[0], "Bearer"))
		if token == "" {
			return nil, reject("invalid token")
		}

		id, err := authn.Authenticate(token)
		if err != nil {
			return nil, reject("invalid token")
		}

		return handler(auth.WithIdentity(ctx, id), req)
	}
}

// codeFor maps an error kind to its gRPC status code.
func codeFor(kind apperr.Kind) codes.Code {
	switch kind {
	case apperr.KindValidation:
		return codes.InvalidArgument
	case apperr.KindUnauthenticated:
		return codes.Unauthenticated
	case apperr.KindAuthorization:
		return codes.PermissionDenied
	case apperr.KindNotFound:
		return codes.NotFound
	case apperr.KindConflict:
		return codes.AlreadyExists
	case apperr.KindRateLimited:
		return codes.ResourceExhausted
	case apperr.KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// errorUnaryInterceptor turns domain errors into gRPC statuses. Internal
// causes are logged and never sent to the client.
func errorUnaryInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	log = logger.OrNop(log)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return nil, err
		}

		e, ok := apperr.As(err)
		if !ok {
			e = apperr.Wrap(apperr.KindInternal, "internal error", err)
		}
		if e.Kind == apperr.KindInternal {
			log.Error("request failed", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Internal, "internal error")
		}

		var trailer metadata.MD
		if e.Reason != "" {
			trailer = metadata.Join(trailer, metadata.Pairs(reasonTrailer, e.Reason))
		}
		if e.Kind == apperr.KindRateLimited {
			trailer = metadata.Join(trailer, metadata.Pairs(middleware.RetryAfterKey,
				strconv.Itoa(middleware.RetryAfterSeconds(e.RetryAfter))))
		}
		if trailer != nil {
			_ = grpc.SetTrailer(ctx, trailer)
		}

		msg := e.Message
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
		return nil, status.Error(codeFor(e.Kind), msg)
	}
}
