package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeProfile is the optional YAML deployment profile for a node. Values
// present in the profile fill in fields the environment left empty; the
// environment always wins.
type NodeProfile struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	BrokerURL string `yaml:"broker_url"`

	Storage struct {
		Provider    string `yaml:"provider"`
		DBPath      string `yaml:"db_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
		RedisAddr   string `yaml:"redis_addr"`
	} `yaml:"storage"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
	} `yaml:"kafka"`

	LogLevel string `yaml:"log_level"`
}

// LoadProfile reads a node profile from path.
func LoadProfile(path string) (*NodeProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var profile NodeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &profile, nil
}

// Apply overlays the profile onto cfg, filling only fields the environment
// did not set.
func (p *NodeProfile) Apply(cfg *Config) {
	if cfg.Transport == "local" && p.Transport != "" {
		cfg.Transport = p.Transport
	}
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = p.BrokerURL
	}
	if p.Storage.Provider != "" && os.Getenv("AEGNIX_STORAGE_PROVIDER") == "" {
		cfg.StorageProvider = p.Storage.Provider
	}
	if p.Storage.DBPath != "" && os.Getenv("AEGNIX_DB_PATH") == "" {
		cfg.DBPath = p.Storage.DBPath
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = p.Storage.PostgresDSN
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = p.Storage.RedisAddr
	}
	if !cfg.KafkaEnabled {
		cfg.KafkaEnabled = p.Kafka.Enabled
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = p.Kafka.Brokers
	}
	if p.LogLevel != "" && os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = p.LogLevel
	}
}
