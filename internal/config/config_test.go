package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, uuid.MustParse(DefaultRootMemberID), cfg.RootMemberID)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 64, cfg.MaxChainHops)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("SWEEP_INTERVAL", "90s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "9000")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.SweepInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, ":9000", cfg.PublicAddr)
}

func TestLoadConfigMalformedValues(t *testing.T) {
	t.Run("bad numbers fall back", func(t *testing.T) {
		t.Setenv("MAX_CHAIN_HOPS", "many")
		t.Setenv("NOTIFICATION_TIMEOUT", "soon")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, 64, cfg.MaxChainHops)
		assert.Equal(t, 5*time.Second, cfg.NotificationTimeout)
	})

	t.Run("bad root id fails", func(t *testing.T) {
		t.Setenv("ROOT_MEMBER_ID", "root")

		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("unknown driver fails", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "mongo")

		_, err := LoadConfig()
		assert.Error(t, err)
	})
}
