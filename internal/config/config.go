package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// External endpoints
	APIBaseURL string
	WSURL      string

	// Session store
	RedisAddr     string
	RedisPassword string
	DatabaseURL   string

	// Session policy
	SessionTTL            time.Duration
	MaxConcurrentSessions int
	ExtendOnActivity      bool
	TrackActivity         bool

	// Realtime connection
	HeartbeatInterval    time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int
	DefaultChannels      []string

	// Credential store
	CredentialsPath string
	CredentialsKey  string // 32 bytes, hex or raw

	// Token settings (stub server + local validation)
	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
}

func LoadConfig() *Config {
	return &Config{
		APIBaseURL: GetEnv("SCOPE_API_URL", "http://localhost:8080"),
		WSURL:      GetEnv("SCOPE_WS_URL", "ws://localhost:8080/ws"),

		RedisAddr:     GetEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: GetEnv("REDIS_PASSWORD", ""),
		DatabaseURL:   GetEnv("DATABASE_URL", ""),

		SessionTTL:            GetEnvAsDuration("SESSION_TTL_HOURS", 24) * time.Hour,
		MaxConcurrentSessions: GetEnvAsInt("MAX_CONCURRENT_SESSIONS", 5),
		ExtendOnActivity:      GetEnvAsBool("EXTEND_ON_ACTIVITY", true),
		TrackActivity:         GetEnvAsBool("TRACK_ACTIVITY", true),

		HeartbeatInterval:    GetEnvAsDuration("WS_HEARTBEAT_SECONDS", 30) * time.Second,
		ReconnectBackoff:     GetEnvAsDuration("WS_RECONNECT_BACKOFF_SECONDS", 3) * time.Second,
		MaxReconnectAttempts: GetEnvAsInt("WS_MAX_RECONNECT_ATTEMPTS", 5),
		DefaultChannels:      []string{"assets", "news", "notifications"},

		CredentialsPath: GetEnv("SCOPE_CREDENTIALS_PATH", ".scope/credentials"),
		CredentialsKey:  GetEnv("SCOPE_CREDENTIALS_KEY", ""),

		JWTSecret:             GetEnv("JWT_SECRET", "your-secret-key-change-this-in-production"),
		AccessTokenTTLMinutes: GetEnvAsInt("ACCESS_TOKEN_TTL_MINUTES", 30),
		RefreshTokenTTLDays:   GetEnvAsInt("REFRESH_TOKEN_TTL_DAYS", 7),

		GoogleClientID:     GetEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: GetEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  GetEnv("GOOGLE_REDIRECT_URL", ""),
	}
}

func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s: %s, using default: %v", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

// GetEnvAsDuration reads an integer env var as a count of some unit; the
// caller multiplies by the unit (matches how TTLs are configured here).
func GetEnvAsDuration(key string, defaultValue int) time.Duration {
	return time.Duration(GetEnvAsInt(key, defaultValue))
}
