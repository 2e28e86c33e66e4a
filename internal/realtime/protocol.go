package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/data"
)

// Server to client event types.
const (
	EventAuthenticated = "authenticated"
	EventRoomJoined    = "room:joined"
	EventRoomLeft      = "room:left"
	EventMessageNew    = "message:new"
	EventMessageRead   = "message:read"
	EventMatchNew      = "match:new"
	EventError         = "error"
	EventPong          = "pong"
)

// Client to server frame types.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FramePing  = "ping"
)

// Close codes. Clients must not reconnect after CloseNormal or either
// credential close.
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	CloseMissingCredential = 4001
	CloseInvalidCredential = 4002
)

// Event is a server to client envelope.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Frame is a client to server envelope. Payload is decoded per type.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Room    string `json:"room,omitempty"`
}

type AuthenticatedPayload struct {
	Identity  auth.Identity `json:"identity"`
	SessionID string        `json:"sessionId"`
}

type MessageNewPayload struct {
	ConversationID string        `json:"conversationId"`
	Message        *data.Message `json:"message"`
}

type MessageReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

type MatchNewPayload struct {
	MatchID        string    `json:"matchId"`
	ConversationID string    `json:"conversationId"`
	PartnerID      string    `json:"partnerId"`
	MatchedAt      time.Time `json:"matchedAt"`
}

// Room name prefixes.
const (
	RoomConversation = "conversation"
	RoomUser         = "user"
)

func ConversationRoom(id string) string { return RoomConversation + ":" + id }
func UserRoom(id string) string         { return RoomUser + ":" + id }

// ParseRoom splits "kind:id". It reports false for names without both parts.
func ParseRoom(name string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(name, ":")
	if !ok || kind == "" || id == "" {
		return "", "", false
	}
	return kind, id, true
}
