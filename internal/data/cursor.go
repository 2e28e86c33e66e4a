package data

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// MessageCursor points just past the oldest message of a page. Comparing on
// (sent_at, id) keeps pages gap free when several messages share a timestamp.
type MessageCursor struct {
	SentAt time.Time
	ID     string
}

type cursorWire struct {
	T  int64  `json:"t"`
	ID string `json:"id"`
}

// Before reports whether m sorts strictly before the cursor position.
func (c MessageCursor) Before(m *Message) bool {
	if m.SentAt.Before(c.SentAt) {
		return true
	}
	return m.SentAt.Equal(c.SentAt) && m.ID < c.ID
}

// CursorFor returns the cursor that resumes after m.
func CursorFor(m *Message) MessageCursor {
	return MessageCursor{SentAt: m.SentAt, ID: m.ID}
}

// Encode returns the opaque string form handed to clients.
func (c MessageCursor) Encode() string {
	b, _ := json.Marshal(cursorWire{T: c.SentAt.UnixMilli(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a string produced by Encode.
func DecodeCursor(s string) (MessageCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return MessageCursor{}, errors.Wrap(err, "decode cursor")
	}
	var w cursorWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return MessageCursor{}, errors.Wrap(err, "decode cursor")
	}
	if w.ID == "" || w.T <= 0 {
		return MessageCursor{}, errors.New("decode cursor: incomplete")
	}
	return MessageCursor{SentAt: time.UnixMilli(w.T).UTC(), ID: w.ID}, nil
}
