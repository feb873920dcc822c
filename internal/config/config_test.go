package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigContent = `
[development]
host = "localhost"
port = 8080
log_level = "trace"
log_to_stdout = true
redis_host = "localhost"
redis_port = "6379"
postgres_host = "localhost"
postgres_port = "5432"
postgres_db_name = "anavolk_site"

[production]
host = ""
port = 9000
log_level = "debug"
logs_path = "/var/log/anavolk/service.log"
sentry_enabled = true
redis_host = "redis"
redis_port = "6379"
postgres_host = "pg"
postgres_port = "5432"
postgres_db_name = "anavolk_site"
login_rate_limit_allowed_per_min = 5
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigContent), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTestConfig(t)

	cfg, err := Load("development", path)
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "trace", cfg.LogLevel)
	assert.True(t, cfg.LogToStdout)
	// defaults kick in when not set
	assert.Equal(t, 10, cfg.LoginRateLimitAllowedPerMin)
	assert.Equal(t, "/login", cfg.LoginPagePath)

	cfg, err = Load("prod", path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.SentryEnabled)
	assert.Equal(t, 5, cfg.LoginRateLimitAllowedPerMin)
}

func TestLoad_UnknownEnv(t *testing.T) {
	path := writeTestConfig(t)
	_, err := Load("staging", path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("development", "/nonexistent/config.toml")
	assert.Error(t, err)
}
