package transport

import (
	"fmt"
	"strings"
)

// Backend names a transport implementation.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendHTTP  Backend = "http"
	BackendKafka Backend = "kafka"
	BackendGCP   Backend = "gcp"
)

// Config selects and parameterizes a transport backend.
type Config struct {
	// Backend picks the implementation; empty means local.
	Backend Backend
	// URL is the broker base URL for the http backend.
	URL string
	// Grant is the bearer token attached to broker requests, if any.
	Grant string
	// KafkaBrokers and KafkaEnabled parameterize the kafka backend. They
	// are carried so the rejection below can report what was configured.
	KafkaBrokers []string
	KafkaEnabled bool
}

// Open builds the transport named by cfg. The kafka and gcp backends are
// recognized in configuration but have no client wired in this build, so
// selecting them fails permanently rather than silently falling back.
func Open(cfg Config) (Transport, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		return NewLocal(), nil
	case BackendHTTP:
		if cfg.URL == "" {
			return nil, Permanent(fmt.Errorf("transport: http backend requires a broker URL"))
		}
		t := NewHTTP(cfg.URL)
		if cfg.Grant != "" {
			t.SetGrant(cfg.Grant)
		}
		return t, nil
	case BackendKafka:
		if len(cfg.KafkaBrokers) > 0 {
			return nil, Permanent(fmt.Errorf("transport: kafka backend (brokers %s) is not built into this binary", strings.Join(cfg.KafkaBrokers, ",")))
		}
		return nil, Permanent(fmt.Errorf("transport: backend %q is not built into this binary", cfg.Backend))
	case BackendGCP:
		return nil, Permanent(fmt.Errorf("transport: backend %q is not built into this binary", cfg.Backend))
	default:
		return nil, Permanent(fmt.Errorf("transport: unknown backend %q", cfg.Backend))
	}
}
