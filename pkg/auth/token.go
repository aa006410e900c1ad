package auth

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateToken returns a 128-bit random identifier as hex, used for
// refresh-token ids and device-id suffixes.
func GenerateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// a predictable token would be worse than stopping.
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(bytes)
}
