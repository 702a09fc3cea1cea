package configs

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))

	assert.Equal(t, "8600", cfg.ServerPort)
	assert.Equal(t, StorageDriverPostgres, cfg.StorageDriver)
	assert.Equal(t, 30*time.Second, cfg.Relay.SweepInterval())

	opts := cfg.Relay.ToRelayOptions()
	assert.Equal(t, 5*time.Minute, opts.PendingTimeout)
	assert.Equal(t, 10*time.Minute, opts.ProcessingTimeout)
	assert.Equal(t, 90*time.Second, opts.HeartbeatTimeout)
	assert.Equal(t, 15*time.Minute, opts.LockStaleAfter)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}, opts.RetryBackoff)
}

func TestOverrides(t *testing.T) {
	t.Setenv("RETRY_BACKOFF_SECONDS", "1,2")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("DB_USERNAME", "relay")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_DATABASE", "relay")

	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))

	opts := cfg.Relay.ToRelayOptions()
	assert.Equal(t, 7, opts.MaxRetries)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, opts.RetryBackoff)
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.Equal(t, "pgx5://relay:secret@db:5432/relay?sslmode=require", cfg.Database.ToMigrationUri())
	assert.Equal(t, "postgres://relay:secret@db:5432/relay?sslmode=require&pool_max_conns=4", cfg.Database.ToDbConnectionUri())
	assert.False(t, cfg.RedisConfig.Enabled())
}
