package config_test

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-chat/pqsession/internal/config"
)

func validKeyHex() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return hex.EncodeToString(key)
}

func TestLoadAppliesDefaultsWithoutOverrides(t *testing.T) {
	t.Setenv("DATABASE_ENCRYPTION_KEY", validKeyHex())

	cfg, err := config.Load("alice")
	require.NoError(t, err)
	require.Equal(t, "alice", cfg.SecretName)
	require.Equal(t, config.DefaultLowWatermark, cfg.LowWatermark)
	require.Equal(t, config.DefaultBatchSize, cfg.BatchSize)
	require.Equal(t, config.DefaultRotationInterval, cfg.RotationInterval)
	require.Len(t, cfg.DatabaseEncryptionKey, 32)
}

func TestLoadHonorsEnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_ENCRYPTION_KEY", validKeyHex())
	t.Setenv("LOW_WATERMARK", "25")
	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("ROTATION_INTERVAL", "48h")
	t.Setenv("POSTGRES_URL", "postgres://override/db")

	cfg, err := config.Load("bob")
	require.NoError(t, err)
	require.Equal(t, 25, cfg.LowWatermark)
	require.Equal(t, 50, cfg.BatchSize)
	require.Equal(t, 48*time.Hour, cfg.RotationInterval)
	require.Equal(t, "postgres://override/db", cfg.PostgresURL)
}

func TestLoadFailsWithoutEncryptionKey(t *testing.T) {
	t.Setenv("DATABASE_ENCRYPTION_KEY", "")

	_, err := config.Load("alice")
	require.Error(t, err)
}

func TestLoadFailsWithWrongLengthKey(t *testing.T) {
	t.Setenv("DATABASE_ENCRYPTION_KEY", "aabbcc")

	_, err := config.Load("alice")
	require.Error(t, err)
}

func TestLoadFailsWithNonHexKey(t *testing.T) {
	t.Setenv("DATABASE_ENCRYPTION_KEY", "not-hex-at-all!!")

	_, err := config.Load("alice")
	require.Error(t, err)
}

func TestGetSecretFromVaultFailsWithoutInitialization(t *testing.T) {
	_, err := config.GetSecretFromVault("database_encryption_key")
	require.Error(t, err)
}
