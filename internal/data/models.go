package data

import (
	"time"
)

// SwipeAction is a one-directional decision about another user.
type SwipeAction string

const (
	ActionLike SwipeAction = "LIKE"
	ActionPass SwipeAction = "PASS"
)

func (a SwipeAction) Valid() bool { return a == ActionLike || a == ActionPass }

// ContentType of a message body.
type ContentType string

const (
	ContentText  ContentType = "TEXT"
	ContentPhoto ContentType = "PHOTO"
)

func (c ContentType) Valid() bool { return c == ContentText || c == ContentPhoto }

// FreeSignature marks messages admitted without a payment.
const FreeSignature = "FREE"

// Purposes a ledger payment can be spent on.
const (
	PurposeMessage = "MSG"
	PurposeVerify  = "VERIFY"
)

// Payment maps to the payments collection: one row per spent transaction
// signature, whatever it paid for.
type Payment struct {
	Signature string    `bson:"_id"`
	Purpose   string    `bson:"purpose"`
	Subject   string    `bson:"subject"` // message id or verified user id
	UserID    string    `bson:"user_id"`
	Lamports  int64     `bson:"lamports,omitempty"`
	PaidAt    time.Time `bson:"paid_at"`
}

// User maps to the users collection. Wallet is the base58 public key used to
// log in.
type User struct {
	ID                string     `bson:"_id" json:"id"`
	Wallet            string     `bson:"wallet" json:"wallet"`
	Verified          bool       `bson:"verified" json:"verified"`
	VerifiedSignature *string    `bson:"verified_signature,omitempty" json:"-"`
	VerifiedAt        *time.Time `bson:"verified_at,omitempty" json:"verifiedAt,omitempty"`
	CreatedAt         time.Time  `bson:"created_at" json:"createdAt"`
}

// Block maps to the blocks collection.
type Block struct {
	Blocker   string    `bson:"blocker"`
	Blocked   string    `bson:"blocked"`
	CreatedAt time.Time `bson:"created_at"`
}

// Swipe maps to the swipes collection. Rows are never mutated.
type Swipe struct {
	ID        string      `bson:"_id" json:"id"`
	FromUser  string      `bson:"from_user" json:"fromUser"`
	ToUser    string      `bson:"to_user" json:"toUser"`
	Action    SwipeAction `bson:"action" json:"action"`
	CreatedAt time.Time   `bson:"created_at" json:"createdAt"`
}

// Match maps to the matches collection. UserA < UserB.
type Match struct {
	ID        string     `bson:"_id" json:"id"`
	UserA     string     `bson:"user_a" json:"userA"`
	UserB     string     `bson:"user_b" json:"userB"`
	MatchedAt time.Time  `bson:"matched_at" json:"matchedAt"`
	IsActive  bool       `bson:"is_active" json:"isActive"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"endedAt,omitempty"`
	EndedBy   string     `bson:"ended_by,omitempty" json:"endedBy,omitempty"`
}

// Has reports whether userID is one of the two parties.
func (m *Match) Has(userID string) bool {
	return userID != "" && (m.UserA == userID || m.UserB == userID)
}

// Other returns the party that is not userID.
func (m *Match) Other(userID string) string {
	if m.UserA == userID {
		return m.UserB
	}
	return m.UserA
}

// CanonicalPair orders two user ids so that either ordering maps to the same
// match row.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Conversation maps to the conversations collection, one per match.
type Conversation struct {
	ID            string     `bson:"_id" json:"id"`
	MatchID       string     `bson:"match_id" json:"matchId"`
	UserA         string     `bson:"user_a" json:"userA"`
	UserB         string     `bson:"user_b" json:"userB"`
	CreatedAt     time.Time  `bson:"created_at" json:"createdAt"`
	LastMessageAt *time.Time `bson:"last_message_at,omitempty" json:"lastMessageAt,omitempty"`
}

// Message maps to the messages collection. PaymentSignature is globally
// unique for paid messages.
type Message struct {
	ID               string      `bson:"_id" json:"id"`
	ConversationID   string      `bson:"conversation_id" json:"conversationId"`
	SenderID         string      `bson:"sender_id" json:"senderId"`
	ContentType      ContentType `bson:"content_type" json:"contentType"`
	Content          string      `bson:"content" json:"content"`
	PaymentSignature string      `bson:"payment_signature" json:"paymentSignature"`
	PaymentAmount    int64       `bson:"payment_amount" json:"-"`
	SentAt           time.Time   `bson:"sent_at" json:"sentAt"`
	ReadAt           *time.Time  `bson:"read_at,omitempty" json:"readAt,omitempty"`
}
