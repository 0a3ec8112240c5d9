// Package config collects environment settings for the relay and the client.
package config

import (
	"fmt"
	"time"

	"chatsync/internal/utils"
)

type Server struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty keeps presence leases in process
	JWTSecret   string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	Heartbeat   time.Duration
	TypingTTL   time.Duration
	OnlineTTL   time.Duration
	RateLimit   float64
	RateBurst   int
	LogLevel    string
	LogPretty   bool
	DemoBot     bool
}

type Client struct {
	ServerURL     string // base http url of the relay
	DatabaseURL   string
	Token         string
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int
	DialTimeout   time.Duration
	SnapshotLimit int
	Tolerance     time.Duration
	LogLevel      string
}

// LoadServer reads .env and the process environment.
func LoadServer() Server {
	utils.LoadEnv()
	return Server{
		Port:        utils.GetEnv("PORT", "3001"),
		DatabaseURL: databaseURL(),
		RedisURL:    utils.GetEnv("REDIS_URL", ""),
		JWTSecret:   utils.GetEnv("JWT_SECRET", "secret"),
		AccessTTL:   utils.GetEnvDuration("JWT_ACCESS_TTL", 72*time.Hour),
		RefreshTTL:  utils.GetEnvDuration("JWT_REFRESH_TTL", 30*24*time.Hour),
		Heartbeat:   utils.GetEnvDuration("PRESENCE_HEARTBEAT", 30*time.Second),
		TypingTTL:   utils.GetEnvDuration("TYPING_TTL", 3*time.Second),
		OnlineTTL:   utils.GetEnvDuration("ONLINE_TTL", 60*time.Second),
		RateLimit:   float64(utils.GetEnvInt("WS_RATE_LIMIT", 20)),
		RateBurst:   utils.GetEnvInt("WS_RATE_BURST", 40),
		LogLevel:    utils.GetEnv("LOG_LEVEL", "info"),
		LogPretty:   utils.GetEnvBool("LOG_PRETTY", false),
		DemoBot:     utils.GetEnvBool("DEMO_BOT", false),
	}
}

func LoadClient() Client {
	utils.LoadEnv()
	return Client{
		ServerURL:     utils.GetEnv("CHATSYNC_SERVER", "http://localhost:3001"),
		DatabaseURL:   databaseURL(),
		Token:         utils.GetEnv("CHATSYNC_TOKEN", ""),
		BaseDelay:     utils.GetEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		MaxDelay:      utils.GetEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		MaxAttempts:   utils.GetEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		DialTimeout:   utils.GetEnvDuration("DIAL_TIMEOUT", 5*time.Second),
		SnapshotLimit: utils.GetEnvInt("SNAPSHOT_LIMIT", 50),
		Tolerance:     utils.GetEnvDuration("RECONCILE_TOLERANCE", 10*time.Second),
		LogLevel:      utils.GetEnv("LOG_LEVEL", "warn"),
	}
}

// databaseURL falls back to the individual POSTGRES_* variables when DATABASE_URL
// is unset and POSTGRES_HOST is given.
func databaseURL() string {
	if url := utils.GetEnv("DATABASE_URL", ""); url != "" {
		return url
	}
	host := utils.GetEnv("POSTGRES_HOST", "")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		utils.GetEnv("POSTGRES_USER", "postgres"),
		utils.GetEnv("POSTGRES_PASSWORD", "postgres"),
		host,
		utils.GetEnv("POSTGRES_PORT", "5432"),
		utils.GetEnv("POSTGRES_DB", "chatdb"))
}
