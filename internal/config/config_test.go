package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10000.0, cfg.Engine.InitialCapital)
	assert.False(t, cfg.Postgres.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: console
server:
  addr: ":9090"
  read_timeout: 5s
engine:
  initial_capital: 50000
  take_profit: 0.06
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 50000.0, cfg.Engine.InitialCapital)
	assert.Equal(t, 0.06, cfg.Engine.TakeProfit)
	assert.Equal(t, 0.02, cfg.Engine.StopLoss, "untouched keys keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
postgres:
  enabled: true
  dsn: "postgres://file/db"
`)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.Postgres.DSN)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Postgres.Enabled = true
	assert.Error(t, cfg.Validate(), "enabled postgres needs a dsn")

	cfg = Default()
	cfg.Engine.Pyramiding = 0
	assert.Error(t, cfg.Validate())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
