package world

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"
)

const messageIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewMessageID returns a stable 10-char base-36 message id.
func NewMessageID() string {
	var b strings.Builder
	max := big.NewInt(int64(len(messageIDAlphabet)))
	for i := 0; i < 10; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform RNG is broken;
			// fall back to a fixed char rather than panic mid-chat.
			b.WriteByte('0')
			continue
		}
		b.WriteByte(messageIDAlphabet[n.Int64()])
	}
	return b.String()
}

// AgentID derives the kebab-case agent id from a display name.
// "Research Assistant" → "research-assistant".
func AgentID(name string) string {
	var b strings.Builder
	lastDash := true // trim leading dashes
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
