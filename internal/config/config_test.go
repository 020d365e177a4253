package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirp/sns/internal/ws"
)

func TestFromEnviron_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SERVER_NAME", "ws-test")

	cfg, err := FromEnviron()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":8081", cfg.APIListenAddr)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, "ws-test", cfg.ServerName)
	assert.False(t, cfg.TypingStopOnDisconnect)
	assert.False(t, cfg.CookieSecure)
}

func TestFromEnviron_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("WORKER_POOL_SIZE", "16")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("TOKEN_TTL", "1h")
	t.Setenv("TYPING_STOP_ON_DISCONNECT", "true")

	cfg, err := FromEnviron()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.True(t, cfg.TypingStopOnDisconnect)

	sc := cfg.ServerConfig()
	def := ws.DefaultServerConfig()
	assert.Equal(t, ":9000", sc.ListenAddr)
	assert.Equal(t, 16, sc.WorkerPoolSize)
	assert.Equal(t, 3*time.Second, sc.WriteTimeout)
	assert.Equal(t, def.ReadTimeout, sc.ReadTimeout)
	assert.Equal(t, def.MaxConnections, sc.MaxConnections)
}

func TestFromEnviron_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := FromEnviron()
	assert.ErrorIs(t, err, ErrMissingSecret)
}
