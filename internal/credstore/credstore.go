// Package credstore persists the client's credentials (token pair, session
// id, device id) as secure on-device key-value pairs with expiry — the
// native equivalent of scoped same-site cookies. No business logic lives
// here and nothing caches in front of it: after Clear, every Get misses
// immediately.
package credstore

import "time"

// Credential names fixed by the backend contract.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeySessionID    = "session_id"
	KeyDeviceID     = "device_id"
)

// Store is the credential store contract. A zero ttl means no expiry.
type Store interface {
	Set(name, value string, ttl time.Duration) error
	Get(name string) (string, bool)
	// Clear removes the auth credentials. The device id survives: it
	// identifies the install, not the login.
	Clear() error
}

var authKeys = []string{KeyAccessToken, KeyRefreshToken, KeySessionID}
