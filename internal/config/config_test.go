package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "")
	cfg := LoadServer()
	assert.Equal(t, "3001", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 3*time.Second, cfg.TypingTTL)
	assert.Equal(t, 60*time.Second, cfg.OnlineTTL)
}

func TestDatabaseURLFromParts(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "chat")
	t.Setenv("POSTGRES_PASSWORD", "pw")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("POSTGRES_DB", "chatsync")
	assert.Equal(t, "postgres://chat:pw@db:6543/chatsync?sslmode=disable", LoadServer().DatabaseURL)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("RECONNECT_BASE_DELAY", "250ms")
	cfg := LoadClient()
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 50, cfg.SnapshotLimit)
}
