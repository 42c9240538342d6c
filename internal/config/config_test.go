package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesChatDefaults(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, 10*time.Second, cfg.ChatJoinTimeout)
	require.Equal(t, 3*time.Second, cfg.ChatRetryBackoff)
	require.Equal(t, 3*time.Second, cfg.ChatRetryMaxBackoff)
	require.Equal(t, 2*time.Second, cfg.ChatTypingIdle)
	require.Equal(t, 3*time.Second, cfg.ChatTypingTTL)
	require.Equal(t, 50, cfg.ChatPageSize)
	require.Equal(t, "*", cfg.CORSAllowOrigins)
}

func TestLoadOverridesAndValidation(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_DATABASE_DRIVER", "SQLite")
	t.Setenv("GEMA_CHAT_RETRY_MAX_BACKOFF", "30s")
	t.Setenv("GEMA_CHAT_PAGE_SIZE", "500")
	t.Setenv("GEMA_CORS_ALLOW_ORIGINS", "https://chat.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DatabaseDriver)
	require.Equal(t, 30*time.Second, cfg.ChatRetryMaxBackoff)
	require.Equal(t, 50, cfg.ChatPageSize)
	require.Equal(t, "https://chat.example.com", cfg.CORSAllowOrigins)

	t.Setenv("GEMA_CHAT_TYPING_TTL", "soon")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}
