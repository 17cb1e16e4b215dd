// Package config resolves node configuration, environment first with an
// optional YAML node profile for fleet deployments.
package config

import (
	"os"
	"strings"

	"github.com/invictus-insights/aegnix-platform-core/pkg/transport"
	"github.com/invictus-insights/aegnix-platform-core/pkg/trust"
)

// Config holds node configuration.
type Config struct {
	// Transport names the mesh transport: local, http, kafka, gcp.
	Transport string
	// BrokerURL is the ABI broker base URL for the http transport.
	BrokerURL string
	// Grant is the session grant presented on broker requests.
	Grant string

	KafkaBrokers []string
	KafkaEnabled bool

	// StorageProvider names the trust store backend: sqlite, memory,
	// postgres, redis.
	StorageProvider string
	DBPath          string
	PostgresDSN     string
	RedisAddr       string
	RedisPassword   string

	LogLevel string
}

// Load reads configuration from environment variables. AE_TRANSPORT is the
// per-AE override and wins over the mesh-wide ABI_MESH_TRANSPORT.
func Load() *Config {
	tr := os.Getenv("AE_TRANSPORT")
	if tr == "" {
		tr = os.Getenv("ABI_MESH_TRANSPORT")
	}
	if tr == "" {
		tr = "local"
	}

	storage := os.Getenv("AEGNIX_STORAGE_PROVIDER")
	if storage == "" {
		storage = "sqlite"
	}

	dbPath := os.Getenv("AEGNIX_DB_PATH")
	if dbPath == "" {
		dbPath = trust.DefaultSQLitePath
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	var kafkaBrokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				kafkaBrokers = append(kafkaBrokers, b)
			}
		}
	}

	return &Config{
		Transport:       strings.ToLower(tr),
		BrokerURL:       os.Getenv("ABI_URL"),
		Grant:           os.Getenv("ABI_GRANT"),
		KafkaBrokers:    kafkaBrokers,
		KafkaEnabled:    os.Getenv("KAFKA_ENABLED") == "true",
		StorageProvider: strings.ToLower(storage),
		DBPath:          dbPath,
		PostgresDSN:     os.Getenv("AEGNIX_POSTGRES_DSN"),
		RedisAddr:       os.Getenv("AEGNIX_REDIS_ADDR"),
		RedisPassword:   os.Getenv("AEGNIX_REDIS_PASSWORD"),
		LogLevel:        logLevel,
	}
}

// TrustConfig maps the node configuration onto a trust store selection.
func (c *Config) TrustConfig() trust.Config {
	return trust.Config{
		Backend:       trust.Backend(c.StorageProvider),
		SQLitePath:    c.DBPath,
		PostgresDSN:   c.PostgresDSN,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
	}
}

// TransportConfig maps the node configuration onto a transport selection.
func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Backend:      transport.Backend(c.Transport),
		URL:          c.BrokerURL,
		Grant:        c.Grant,
		KafkaBrokers: c.KafkaBrokers,
		KafkaEnabled: c.KafkaEnabled,
	}
}
