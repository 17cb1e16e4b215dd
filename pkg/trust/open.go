package trust

import "fmt"

// Backend identifies a storage backend. The set is closed; selection happens
// once at startup from configuration, not per call site.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Config selects and parameterizes a storage backend.
type Config struct {
	Backend       Backend
	SQLitePath    string // sqlite only
	PostgresDSN   string // postgres only
	RedisAddr     string // redis only
	RedisPassword string
	RedisDB       int
}

// DefaultSQLitePath is where the durable backend lands when no path is
// configured.
const DefaultSQLitePath = "db/abi_state.db"

// Open constructs the configured backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite, "":
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLitePath
		}
		return OpenSQLite(path)
	case BackendPostgres:
		return OpenPostgres(cfg.PostgresDSN)
	case BackendRedis:
		return OpenRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown trust storage backend %q", cfg.Backend)
	}
}
