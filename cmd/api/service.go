package main

import (
	"context"

	"google.golang.org/grpc"

	"github.com/PaulBabatuyi/swipepay/internal/chat"
	"github.com/PaulBabatuyi/swipepay/internal/match"
	"github.com/PaulBabatuyi/swipepay/internal/payment"
)

const serviceName = "swipepay.v1.API"

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// APIServer is the server API for swipepay.v1.API.
type APIServer interface {
	Challenge(context.Context, *ChallengeRequest) (*ChallengeResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Swipe(context.Context, *SwipeRequest) (*match.SwipeResult, error)
	Unmatch(context.Context, *UnmatchRequest) (*Empty, error)
	Block(context.Context, *BlockRequest) (*Empty, error)
	ListMatches(context.Context, *Empty) (*ListMatchesResponse, error)
	Candidates(context.Context, *CandidatesRequest) (*CandidatesResponse, error)
	PaymentIntent(context.Context, *PaymentIntentRequest) (*payment.Intent, error)
	VerifyAccount(context.Context, *VerifyAccountRequest) (*VerifyAccountResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*MessageResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*chat.Page, error)
	MarkRead(context.Context, *MarkReadRequest) (*MessageResponse, error)
	ListConversations(context.Context, *Empty) (*ListConversationsResponse, error)
}

// unary builds the method descriptor for one RPC, decoding into Req and
// running the server's interceptor chain.
func unary[Req, Resp any](name string, call func(APIServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(APIServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}, handler)
		},
	}
}

var apiServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*APIServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Challenge", APIServer.Challenge),
		unary("Login", APIServer.Login),
		unary("Swipe", APIServer.Swipe),
		unary("Unmatch", APIServer.Unmatch),
		unary("Block", APIServer.Block),
		unary("ListMatches", APIServer.ListMatches),
		unary("Candidates", APIServer.Candidates),
		unary("PaymentIntent", APIServer.PaymentIntent),
		unary("VerifyAccount", APIServer.VerifyAccount),
		unary("SendMessage", APIServer.SendMessage),
		unary("ListMessages", APIServer.ListMessages),
		unary("MarkRead", APIServer.MarkRead),
		unary("ListConversations", APIServer.ListConversations),
	},
	Metadata: "swipepay/v1/api",
}

// registerService registers the API on the given gRPC server.
func registerService(s grpc.ServiceRegistrar, srv APIServer) {
	s.RegisterService(&apiServiceDesc, srv)
}
