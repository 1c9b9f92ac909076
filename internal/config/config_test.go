package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, DefaultConnectionTTL, cfg.ConnectionTTL)
	assert.Equal(t, DefaultTokenExpiry, cfg.TokenExpiry)
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultWSURL, cfg.WSURL)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("CONNECTIONS_TABLE", "connections")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("CONNECTION_TTL", "30m")
	t.Setenv("ADDR", ":9000")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "connections", cfg.ConnectionsTable)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 30*time.Minute, cfg.ConnectionTTL)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.NoError(t, cfg.Require(KeyConnectionsTable, KeyJWTSecret))
}

func TestLoad_InvalidTTL(t *testing.T) {
	t.Setenv("CONNECTION_TTL", "soon")

	_, err := Load(New())
	assert.ErrorContains(t, err, "CONNECTION_TTL")
}

func TestConfig_Require(t *testing.T) {
	cfg := Config{JWTSecret: "x"}

	assert.NoError(t, cfg.Require(KeyJWTSecret))

	err := cfg.Require(KeyJWTSecret, KeyConnectionsTable)
	assert.ErrorIs(t, err, ErrMissingSetting)
	assert.ErrorContains(t, err, "CONNECTIONS_TABLE")

	assert.Error(t, cfg.Require("nope"))
}

func TestLoadEnvFiles(t *testing.T) {
	const key = "SHELTERLINK_TEST_ENV_FILE_VALUE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=from-file\n"), 0o600))

	require.NoError(t, LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv(key))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("loud")
	assert.Error(t, err)
}
