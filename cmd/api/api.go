package main

import (
	"time"

	"github.com/PaulBabatuyi/swipepay/internal/chat"
	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/match"
)

// Request and response messages of swipepay.v1.API.

type Empty struct{}

type ChallengeRequest struct {
	Wallet string `json:"wallet"`
}

type ChallengeResponse struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type LoginRequest struct {
	Nonce     string `json:"nonce"`
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Wallet    string    `json:"wallet"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SwipeRequest struct {
	TargetUserID string `json:"targetUserId"`
	Action       string `json:"action"`
}

type UnmatchRequest struct {
	MatchID string `json:"matchId"`
}

type BlockRequest struct {
	UserID string `json:"userId"`
}

type ListMatchesResponse struct {
	Matches []match.Summary `json:"matches"`
}

type CandidatesRequest struct {
	Limit int `json:"limit"`
}

type CandidatesResponse struct {
	Candidates []match.Candidate `json:"candidates"`
}

type PaymentIntentRequest struct {
	Action     string `json:"action"`
	ResourceID string `json:"resourceId"`
}

type VerifyAccountRequest struct {
	Signature string `json:"signature"`
}

type VerifyAccountResponse struct {
	Verified bool `json:"verified"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	ContentType    string `json:"contentType"`
	Content        string `json:"content"`
	// PaymentSignature may instead be sent as x-payment-signature metadata.
	PaymentSignature string `json:"paymentSignature,omitempty"`
}

type MessageResponse struct {
	Message *data.Message `json:"message"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	Cursor         string `json:"cursor,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type ListConversationsResponse struct {
	Conversations []chat.ConversationView `json:"conversations"`
}
