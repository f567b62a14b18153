package session

import (
	"strings"

	"github.com/google/uuid"
)

// NewToken returns a random URL-safe session token (32 hex characters).
// It fits comfortably inside a 64-byte Telegram callback payload.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
