package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.ServicePort)
	assert.Equal(t, "gridvault", cfg.ServiceName)
	assert.Equal(t, BackendMinio, cfg.Backend)
	assert.Equal(t, int64(255*1024), cfg.ChunkSize)
	assert.Equal(t, 5*time.Minute, cfg.GCInterval)
	assert.Equal(t, 15*time.Minute, cfg.GCGrace)
	assert.Equal(t, "localhost:9000", cfg.MinIOEndpoint)
	assert.Equal(t, "./gridvault.db", cfg.SQLitePath)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("SERVICE_PORT", "8080")
	t.Setenv("STORAGE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/var/lib/gridvault/files.db")
	t.Setenv("CHUNK_SIZE_BYTES", "65536")
	t.Setenv("GC_INTERVAL", "90s")
	t.Setenv("GC_GRACE_PERIOD", "1h")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("REDIS_DB", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/var/lib/gridvault/files.db", cfg.SQLitePath)
	assert.Equal(t, int64(65536), cfg.ChunkSize)
	assert.Equal(t, 90*time.Second, cfg.GCInterval)
	assert.Equal(t, time.Hour, cfg.GCGrace)
	assert.True(t, cfg.MinIOUseSSL)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_port: "9090"
backend: memory
chunk_size: 1024
gc_interval: 30s
gc_grace: 2m
db_host: tidb.internal
`), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServicePort)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, int64(1024), cfg.ChunkSize)
	assert.Equal(t, 30*time.Second, cfg.GCInterval)
	assert.Equal(t, 2*time.Minute, cfg.GCGrace)
	assert.Equal(t, "tidb.internal", cfg.DBHost)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, "localhost", cfg.RedisHost)
}

func TestLoadConfigEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_port: \"9090\"\n"), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SERVICE_PORT", "7070")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.ServicePort)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STORAGE_BACKEND", "tape")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestLoadConfigRejectsBadChunkSize(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("CHUNK_SIZE_BYTES", "-1")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk size")
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gc_interval: sometimes\n"), 0o600))
	t.Setenv("CONFIG_PATH", path)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gc_interval")
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{
		DBUser:     "root",
		DBPassword: "secret",
		DBHost:     "127.0.0.1",
		DBPort:     "4000",
		DBDatabase: "gridvault",
	}
	assert.Equal(t,
		"root:secret@tcp(127.0.0.1:4000)/gridvault?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.GetDSN())
}

func TestGetRedisAddr(t *testing.T) {
	cfg := &Config{RedisHost: "cache.internal", RedisPort: "6380"}
	assert.Equal(t, "cache.internal:6380", cfg.GetRedisAddr())
}
