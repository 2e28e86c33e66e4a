package main

import (
	"context"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

// participantChecker reports active participation in a conversation.
type participantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// roomPolicy authorizes websocket room joins: conversation rooms need an
// active match, user rooms only admit their owner.
type roomPolicy struct {
	chat participantChecker
}

func (p roomPolicy) CanJoin(ctx context.Context, id auth.Identity, room string) (bool, error) {
	kind, target, ok := realtime.ParseRoom(room)
	if !ok {
		return false, nil
	}
	switch kind {
	case realtime.RoomConversation:
		return p.chat.IsParticipant(ctx, target, id.UserID)
	case realtime.RoomUser:
		return target == id.UserID, nil
	}
	return false, nil
}
