// Package config handles loading and parsing of bleepstore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for bleepstore.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
	WAL           WALConfig           `yaml:"wal"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	Replication   ReplicationConfig   `yaml:"replication"`
	Quota         QuotaConfig         `yaml:"quota"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig holds settings for metrics and health check endpoints.
type ObservabilityConfig struct {
	// Metrics enables the /metrics Prometheus endpoint.
	Metrics bool `yaml:"metrics"`
	// HealthCheck enables the /healthz and /readyz liveness/readiness probes.
	HealthCheck bool `yaml:"health_check"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is the log output format: "text" or "json".
	Format string `yaml:"format"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Region          string `yaml:"region"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // Graceful shutdown timeout in seconds (default: 30).
	MaxObjectSize   int64  `yaml:"max_object_size"`  // Maximum object size in bytes (default: 5 GiB).
}

// AuthConfig holds authentication settings. bleepstore is single-tenant:
// exactly one root credential is recognized per node.
type AuthConfig struct {
	// AccessKey is the S3 access key used for SigV4 authentication.
	AccessKey string `yaml:"access_key"`
	// SecretKey is the S3 secret key used for SigV4 authentication.
	SecretKey string `yaml:"secret_key"`
	// OwnerID is the owner id reported in ListBuckets responses.
	OwnerID string `yaml:"owner_id"`
	// OwnerDisplay is the human-readable owner name.
	OwnerDisplay string `yaml:"owner_display"`
}

// StorageConfig holds the filesystem storage layout settings (§4.A). Only
// one storage backend is specified by the engine: local filesystem.
type StorageConfig struct {
	// RootDir is the base directory holding all bucket directories.
	RootDir string `yaml:"root_dir"`
}

// WALConfig holds write-ahead-log settings (§4.C).
type WALConfig struct {
	// Enabled controls whether mutations are appended to the WAL at all.
	Enabled bool `yaml:"enabled"`
	// Path is the directory holding WAL segments and the .sequence file.
	Path string `yaml:"path"`
	// QueueCapacity bounds the MPSC channel feeding the flusher goroutine.
	QueueCapacity int `yaml:"queue_capacity"`
	// FlushIntervalMillis is the max time between batch flushes.
	FlushIntervalMillis int `yaml:"flush_interval_millis"`
	// FlushMaxEntries is the max batch size before a flush is forced.
	FlushMaxEntries int `yaml:"flush_max_entries"`
	// SegmentMaxBytes rotates the active segment once it exceeds this size.
	SegmentMaxBytes int64 `yaml:"segment_max_bytes"`
	// SegmentMaxAgeSeconds rotates the active segment once it's this old.
	SegmentMaxAgeSeconds int `yaml:"segment_max_age_seconds"`
	// KeepSegments is how many rotated segments to retain.
	KeepSegments int `yaml:"keep_segments"`
}

// EncryptionConfig holds server-side encryption settings (§4.B).
type EncryptionConfig struct {
	// GlobalDefault forces every object to be encrypted regardless of the
	// owning bucket's default-encryption setting.
	GlobalDefault bool `yaml:"global_default"`
	// MasterKeyBase64, if set, decodes to a 32-byte AES-256 master key used
	// to wrap per-object data keys. If empty, a master key is generated
	// in-memory at startup (a documented durability caveat: restart loses
	// the ability to unwrap previously wrapped keys).
	MasterKeyBase64 string `yaml:"master_key_base64"`
}

// ReplicationConfig holds peer-to-peer async replication settings (§4.H).
type ReplicationConfig struct {
	// Enabled controls whether this node pushes/accepts replication traffic.
	Enabled bool `yaml:"enabled"`
	// NodeID uniquely identifies this node among its peers.
	NodeID string `yaml:"node_id"`
	// Peers is the list of peer base URLs to push WAL batches to.
	Peers []string `yaml:"peers"`
	// SharedSecret authenticates inbound /_replicate requests (not SigV4).
	SharedSecret string `yaml:"shared_secret"`
	// CoalesceWindowMillis batches same-key mutations before pushing.
	CoalesceWindowMillis int `yaml:"coalesce_window_millis"`
}

// QuotaConfig holds bucket quota/stats settings (§4.I).
type QuotaConfig struct {
	// Enabled controls whether quota enforcement and usage tracking run.
	Enabled bool `yaml:"enabled"`
	// FlushIntervalSeconds is how often dirty quota counters are persisted.
	FlushIntervalSeconds int `yaml:"flush_interval_seconds"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to bleepstore.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		// Try fallback paths
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			Region:          "us-east-1",
			ShutdownTimeout: 30,
			MaxObjectSize:   5368709120, // 5 GiB
		},
		Auth: AuthConfig{
			AccessKey:    "bleepstore",
			SecretKey:    "bleepstore-secret",
			OwnerID:      "bleepstore-root",
			OwnerDisplay: "bleepstore",
		},
		Storage: StorageConfig{
			RootDir: "./data/objects",
		},
		WAL: WALConfig{
			Enabled:              true,
			Path:                 "./data/wal",
			QueueCapacity:        10000,
			FlushIntervalMillis:  1000,
			FlushMaxEntries:      1000,
			SegmentMaxBytes:      67108864, // 64 MiB
			SegmentMaxAgeSeconds: 86400,    // 24h
			KeepSegments:         8,
		},
		Quota: QuotaConfig{
			Enabled:              true,
			FlushIntervalSeconds: 1,
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Auth.AccessKey == "" {
		cfg.Auth.AccessKey = "bleepstore"
	}
	if cfg.Auth.SecretKey == "" {
		cfg.Auth.SecretKey = "bleepstore-secret"
	}
	if cfg.Auth.OwnerID == "" {
		cfg.Auth.OwnerID = "bleepstore-root"
	}
	if cfg.Auth.OwnerDisplay == "" {
		cfg.Auth.OwnerDisplay = "bleepstore"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxObjectSize == 0 {
		cfg.Server.MaxObjectSize = 5368709120 // 5 GiB
	}
	if cfg.Storage.RootDir == "" {
		cfg.Storage.RootDir = "./data/objects"
	}
	if cfg.WAL.Path == "" {
		cfg.WAL.Path = "./data/wal"
	}
	if cfg.WAL.QueueCapacity == 0 {
		cfg.WAL.QueueCapacity = 10000
	}
	if cfg.WAL.FlushIntervalMillis == 0 {
		cfg.WAL.FlushIntervalMillis = 1000
	}
	if cfg.WAL.FlushMaxEntries == 0 {
		cfg.WAL.FlushMaxEntries = 1000
	}
	if cfg.WAL.SegmentMaxBytes == 0 {
		cfg.WAL.SegmentMaxBytes = 67108864
	}
	if cfg.WAL.SegmentMaxAgeSeconds == 0 {
		cfg.WAL.SegmentMaxAgeSeconds = 86400
	}
	if cfg.WAL.KeepSegments == 0 {
		cfg.WAL.KeepSegments = 8
	}
	if cfg.Quota.FlushIntervalSeconds == 0 {
		cfg.Quota.FlushIntervalSeconds = 1
	}
}
