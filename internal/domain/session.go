package domain

import "time"

// Session is one authenticated device/browser instance, stored in the
// external session store under session:<id> and indexed per user in
// user_sessions:<userId>.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	Permissions  []string  `json:"permissions,omitempty"`
	LoginTime    time.Time `json:"login_time"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
}

// SessionOptions configures the concurrency policy for a user's sessions.
type SessionOptions struct {
	TTL                   time.Duration
	MaxConcurrentSessions int  // 0 means unlimited
	ExtendOnActivity      bool // reset TTL on each activity tick
	TrackActivity         bool // record activity at all
}

// SessionRecord is a durable audit row backing the "manage devices" history
// view. Unlike Session it outlives the live store entry.
type SessionRecord struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	DeviceInfo string     `json:"device_info"`
	IPAddress  string     `json:"ip_address"`
	LoginAt    time.Time  `json:"login_at"`
	LogoutAt   *time.Time `json:"logout_at,omitempty"`
}

// User is the profile snapshot the UI renders against.
type User struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}
