package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnv(t *testing.T) {
	t.Setenv("GOPHSYNC_HTTP_ADDR", ":7070")
	t.Setenv("GOPHSYNC_KAFKA_BROKERS", "a:1, b:2,")
	t.Setenv("GOPHSYNC_SESSION_INACTIVITY", "45m")
	t.Setenv("GOPHSYNC_REQUEST_BURST", "3")

	cfg := &Config{}
	cfg.LoadDefaults()
	parseEnv(cfg)

	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	assert.Equal(t, 45*time.Minute, cfg.SessionInactivity)
	assert.Equal(t, 3, cfg.RequestBurst)
	assert.Equal(t, "gophsync", cfg.MongoDatabase)
}

func TestParseEnv_DotenvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("GOPHSYNC_LOG_LEVEL=debug\nGOPHSYNC_S3_BUCKET=from-file\n"), 0o600))

	orig := dotenvFiles
	dotenvFiles = []string{path}
	t.Cleanup(func() { dotenvFiles = orig })

	t.Setenv("GOPHSYNC_S3_BUCKET", "from-env")
	// godotenv sets variables the test did not; register them for cleanup.
	t.Setenv("GOPHSYNC_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("GOPHSYNC_LOG_LEVEL"))

	cfg := &Config{}
	parseEnv(cfg)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "from-env", cfg.S3Bucket)
}
