package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invictus-insights/aegnix-platform-core/pkg/transport"
	"github.com/invictus-insights/aegnix-platform-core/pkg/trust"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AE_TRANSPORT", "ABI_MESH_TRANSPORT", "ABI_URL", "ABI_GRANT",
		"KAFKA_BROKERS", "KAFKA_ENABLED",
		"AEGNIX_STORAGE_PROVIDER", "AEGNIX_DB_PATH",
		"AEGNIX_POSTGRES_DSN", "AEGNIX_REDIS_ADDR", "AEGNIX_REDIS_PASSWORD",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	assert.Equal(t, "local", cfg.Transport)
	assert.Equal(t, "sqlite", cfg.StorageProvider)
	assert.Equal(t, trust.DefaultSQLitePath, cfg.DBPath)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.BrokerURL)
	assert.False(t, cfg.KafkaEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("ABI_MESH_TRANSPORT", "HTTP")
	t.Setenv("ABI_URL", "http://abi:9000")
	t.Setenv("AEGNIX_STORAGE_PROVIDER", "redis")
	t.Setenv("AEGNIX_REDIS_ADDR", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KAFKA_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, "http://abi:9000", cfg.BrokerURL)
	assert.Equal(t, "redis", cfg.StorageProvider)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled)
}

func TestAETransportWinsOverMesh(t *testing.T) {
	clearEnv(t)
	t.Setenv("ABI_MESH_TRANSPORT", "kafka")
	t.Setenv("AE_TRANSPORT", "local")

	cfg := Load()
	assert.Equal(t, "local", cfg.Transport)
}

func TestConfigMapping(t *testing.T) {
	clearEnv(t)
	t.Setenv("AE_TRANSPORT", "http")
	t.Setenv("ABI_URL", "http://abi:9000")
	t.Setenv("ABI_GRANT", "tok")
	t.Setenv("AEGNIX_STORAGE_PROVIDER", "postgres")
	t.Setenv("AEGNIX_POSTGRES_DSN", "postgres://abi@db/abi")
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("KAFKA_ENABLED", "true")

	cfg := Load()
	tc := cfg.TransportConfig()
	assert.Equal(t, transport.BackendHTTP, tc.Backend)
	assert.Equal(t, "http://abi:9000", tc.URL)
	assert.Equal(t, "tok", tc.Grant)
	assert.Equal(t, []string{"k1:9092"}, tc.KafkaBrokers)
	assert.True(t, tc.KafkaEnabled)

	sc := cfg.TrustConfig()
	assert.Equal(t, trust.BackendPostgres, sc.Backend)
	assert.Equal(t, "postgres://abi@db/abi", sc.PostgresDSN)
}

func TestLoadProfile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: edge-7
transport: http
broker_url: http://abi:9000
storage:
  provider: memory
log_level: DEBUG
`), 0o600))

	profile, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "edge-7", profile.Name)

	cfg := Load()
	profile.Apply(cfg)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, "http://abi:9000", cfg.BrokerURL)
	assert.Equal(t, "memory", cfg.StorageProvider)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestProfileDoesNotOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("AE_TRANSPORT", "http")
	t.Setenv("ABI_URL", "http://env-wins:9000")
	t.Setenv("AEGNIX_STORAGE_PROVIDER", "sqlite")

	profile := &NodeProfile{Transport: "kafka", BrokerURL: "http://profile:9000"}
	profile.Storage.Provider = "redis"

	cfg := Load()
	profile.Apply(cfg)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, "http://env-wins:9000", cfg.BrokerURL)
	assert.Equal(t, "sqlite", cfg.StorageProvider)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
