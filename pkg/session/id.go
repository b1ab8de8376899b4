package session

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID generates a session ID of the form "<prefix>-<random-hex>".
func NewID(prefix string) string {
	buf := make([]byte, 8)
	// crypto/rand.Read always fills the buffer on supported platforms.
	_, _ = rand.Read(buf)
	return prefix + "-" + hex.EncodeToString(buf)
}
