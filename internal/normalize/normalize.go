package normalize

import (
	"html"
	"strings"
)

// Wallet returns the canonical form of a base58 wallet address. Base58 is
// case sensitive, so only surrounding whitespace is removed.
func Wallet(w string) string {
	return strings.TrimSpace(w)
}

// Content returns message text ready for storage: trimmed and HTML escaped
// so clients that render it verbatim cannot be scripted.
func Content(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// Room trims a client supplied room name.
func Room(r string) string {
	return strings.TrimSpace(r)
}
