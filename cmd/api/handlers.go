package main

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/chat"
	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/match"
	"github.com/PaulBabatuyi/swipepay/internal/payment"
)

// paymentSignatureHeader is the metadata key SendMessage reads when the
// signature is not in the request body.
const paymentSignatureHeader = "x-payment-signature"

// caller returns the identity attached by the auth interceptor.
func caller(ctx context.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFrom(ctx)
	if !ok {
		return auth.Identity{}, apperr.Unauthenticated("missing auth claims")
	}
	return id, nil
}

// Challenge issues a login nonce for a wallet.
func (s *Server) Challenge(ctx context.Context, req *ChallengeRequest) (*ChallengeResponse, error) {
	c, err := s.login.IssueChallenge(ctx, req.Wallet)
	if err != nil {
		return nil, err
	}
	return &ChallengeResponse{Nonce: c.Nonce, Message: c.Message, ExpiresAt: c.ExpiresAt}, nil
}

// Login completes the handshake with the wallet's signature over the
// challenge message and returns a JWT.
func (s *Server) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	res, err := s.login.CompleteLogin(ctx, req.Nonce, req.Wallet, req.Signature)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		Token:     res.Token,
		UserID:    res.Identity.UserID,
		Wallet:    res.Identity.Wallet,
		ExpiresAt: res.ExpiresAt,
	}, nil
}

func (s *Server) Swipe(ctx context.Context, req *SwipeRequest) (*match.SwipeResult, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	action := data.SwipeAction(strings.ToUpper(strings.TrimSpace(req.Action)))
	res, err := s.matches.RecordSwipe(ctx, id.UserID, strings.TrimSpace(req.TargetUserID), action)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Server) Unmatch(ctx context.Context, req *UnmatchRequest) (*Empty, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.matches.Unmatch(ctx, id.UserID, req.MatchID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) Block(ctx context.Context, req *BlockRequest) (*Empty, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.matches.Block(ctx, id.UserID, strings.TrimSpace(req.UserID)); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) ListMatches(ctx context.Context, _ *Empty) (*ListMatchesResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.matches.ListMatches(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	return &ListMatchesResponse{Matches: list}, nil
}

func (s *Server) Candidates(ctx context.Context, req *CandidatesRequest) (*CandidatesResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.matches.Candidates(ctx, id.UserID, req.Limit)
	if err != nil {
		return nil, err
	}
	return &CandidatesResponse{Candidates: list}, nil
}

// PaymentIntent tells the caller what to pay for an action. Message intents
// are only issued to participants of the conversation.
func (s *Server) PaymentIntent(ctx context.Context, req *PaymentIntentRequest) (*payment.Intent, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	action, err := payment.ParseAction(req.Action)
	if err != nil {
		return nil, err
	}
	if action == payment.ActionMessage {
		ok, err := s.chat.IsParticipant(ctx, req.ResourceID, id.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.NotFound("conversation not found")
		}
	}
	intent, err := s.intents.IntentFor(ctx, action, req.ResourceID, id.UserID)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *Server) VerifyAccount(ctx context.Context, req *VerifyAccountRequest) (*VerifyAccountResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.VerifyAccount(ctx, id.UserID, id.Wallet, req.Signature); err != nil {
		return nil, err
	}
	return &VerifyAccountResponse{Verified: true}, nil
}

// SendMessage admits a message. The payment signature comes from the request
// or, when absent there, from x-payment-signature metadata.
func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*MessageResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	sig := strings.TrimSpace(req.PaymentSignature)
	if sig == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(paymentSignatureHeader); len(vals) > 0 {
				sig = strings.TrimSpace(vals[0])
			}
		}
	}
	msg, err := s.chat.PostMessage(ctx, chat.PostRequest{
		ConversationID:   req.ConversationID,
		SenderID:         id.UserID,
		SenderWallet:     id.Wallet,
		ContentType:      data.ContentType(strings.ToUpper(strings.TrimSpace(req.ContentType))),
		Content:          req.Content,
		PaymentSignature: sig,
	})
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: msg}, nil
}

func (s *Server) ListMessages(ctx context.Context, req *ListMessagesRequest) (*chat.Page, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	page, err := s.chat.ListMessages(ctx, req.ConversationID, id.UserID, req.Cursor, req.Limit)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *Server) MarkRead(ctx context.Context, req *MarkReadRequest) (*MessageResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := s.chat.MarkRead(ctx, req.ConversationID, id.UserID, req.MessageID)
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: msg}, nil
}

func (s *Server) ListConversations(ctx context.Context, _ *Empty) (*ListConversationsResponse, error) {
	id, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.chat.ListConversations(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	return &ListConversationsResponse{Conversations: list}, nil
}
