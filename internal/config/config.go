// Package config loads replica configuration from YAML.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/zetareticula/meshstore/internal/replication"
	"github.com/zetareticula/meshstore/internal/store"
	"github.com/zetareticula/meshstore/internal/store/cassandra"
	"github.com/zetareticula/meshstore/internal/store/memory"
	"github.com/zetareticula/meshstore/internal/store/redis"
	"github.com/zetareticula/meshstore/internal/store/sqlite"
)

// ErrInvalidConfig is returned for configuration errors
var ErrInvalidConfig = fmt.Errorf("invalid configuration")

// Storage backends.
const (
	BackendSQLite    = "sqlite"
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendCassandra = "cassandra"
)

// DatabaseFile is the sqlite file created under the persistence path.
const DatabaseFile = "meshstore.db"

// RedisConfig defines the redis backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CassandraConfig defines the cassandra backend
type CassandraConfig struct {
	Hosts      []string `yaml:"hosts"`
	Keyspace   string   `yaml:"keyspace"`
	MinTries   int      `yaml:"min_tries"`
	RetryDelay int      `yaml:"retry_delay_ms"`
	TimeoutMs  int      `yaml:"timeout_ms"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Backend   string          `yaml:"backend"`
	Path      string          `yaml:"path"`
	Redis     RedisConfig     `yaml:"redis"`
	Cassandra CassandraConfig `yaml:"cassandra"`
}

// ReplicationConfig defines peer sessions
type ReplicationConfig struct {
	Listen        string   `yaml:"listen"`
	Peers         []string `yaml:"peers"`
	MaxBatchDocs  int      `yaml:"max_batch_docs"`
	MaxBatchBytes int      `yaml:"max_batch_bytes"`
	MaxInFlight   int      `yaml:"max_in_flight"`
	MaxFailures   int      `yaml:"max_failures"`
	RetryDelay    int      `yaml:"retry_delay_ms"`
	MaxRetryDelay int      `yaml:"max_retry_delay_ms"`
	HandshakeMs   int      `yaml:"handshake_timeout_ms"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	RateBurst     int      `yaml:"rate_burst"`
}

// GCConfig defines tombstone garbage collection
type GCConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	TombstoneTTLSeconds int `yaml:"tombstone_ttl_seconds"`
}

// StatisticsConfig defines metrics exposition
type StatisticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config represents the replica configuration
type Config struct {
	PeerID      string            `yaml:"peer_id"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	GC          GCConfig          `yaml:"gc"`
	Statistics  StatisticsConfig  `yaml:"statistics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	d := replication.DefaultConfig()
	return &Config{
		Storage: StorageConfig{Backend: BackendSQLite},
		Replication: ReplicationConfig{
			MaxBatchDocs:  d.MaxBatchDocs,
			MaxBatchBytes: d.MaxBatchBytes,
			MaxInFlight:   d.MaxInFlight,
			MaxFailures:   d.MaxFailures,
			RetryDelay:    int(d.InitialBackoff / time.Millisecond),
			MaxRetryDelay: int(d.MaxBackoff / time.Millisecond),
			HandshakeMs:   int(d.HandshakeTimeout / time.Millisecond),
		},
		GC: GCConfig{
			IntervalSeconds:     60,
			TombstoneTTLSeconds: 7 * 24 * 3600,
		},
		Statistics: StatisticsConfig{Listen: ":9090"},
	}
}

// LoadConfig loads the configuration file over the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := Default()
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: storage.redis.addr is required", ErrInvalidConfig)
		}
	case BackendCassandra:
		if len(c.Storage.Cassandra.Hosts) == 0 || c.Storage.Cassandra.Keyspace == "" {
			return fmt.Errorf("%w: storage.cassandra needs hosts and keyspace", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	r := c.Replication
	if r.MaxBatchDocs < 0 || r.MaxBatchBytes < 0 || r.MaxInFlight < 0 || r.MaxFailures < 0 {
		return fmt.Errorf("%w: replication limits must not be negative", ErrInvalidConfig)
	}
	if r.RetryDelay < 0 || r.MaxRetryDelay < 0 || r.HandshakeMs < 0 || r.RatePerSecond < 0 {
		return fmt.Errorf("%w: replication delays must not be negative", ErrInvalidConfig)
	}
	if c.GC.IntervalSeconds < 0 || c.GC.TombstoneTTLSeconds < 0 {
		return fmt.Errorf("%w: gc settings must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Session converts the replication section to session settings.
func (r ReplicationConfig) Session() replication.Config {
	return replication.Config{
		MaxBatchDocs:     r.MaxBatchDocs,
		MaxBatchBytes:    r.MaxBatchBytes,
		MaxInFlight:      r.MaxInFlight,
		MaxFailures:      r.MaxFailures,
		InitialBackoff:   time.Duration(r.RetryDelay) * time.Millisecond,
		MaxBackoff:       time.Duration(r.MaxRetryDelay) * time.Millisecond,
		HandshakeTimeout: time.Duration(r.HandshakeMs) * time.Millisecond,
		RateLimit:        r.RatePerSecond,
		RateBurst:        r.RateBurst,
	}
}

// Interval is the garbage collection period; zero disables collection.
func (g GCConfig) Interval() time.Duration {
	return time.Duration(g.IntervalSeconds) * time.Second
}

// TombstoneTTL is the age after which tombstones go regardless of acknowledgements; zero
// keeps them until every known peer has acknowledged them.
func (g GCConfig) TombstoneTTL() time.Duration {
	return time.Duration(g.TombstoneTTLSeconds) * time.Second
}

// Open opens the configured backend. replica namespaces shared backends; dir is the
// persistence directory for file backends and overrides Path when set.
func (s StorageConfig) Open(ctx context.Context, replica, dir string) (store.Backend, error) {
	switch s.Backend {
	case BackendMemory:
		return memory.New(), nil
	case BackendRedis:
		prefix := s.Redis.Prefix
		if prefix == "" {
			prefix = "meshstore:" + replica
		}
		return redis.New(redis.Options{Addr: s.Redis.Addr, Password: s.Redis.Password, DB: s.Redis.DB, Prefix: prefix}), nil
	case BackendCassandra:
		b, err := cassandra.Open(ctx, cassandra.Options{
			Hosts:      s.Cassandra.Hosts,
			Keyspace:   s.Cassandra.Keyspace,
			Replica:    replica,
			MinTries:   s.Cassandra.MinTries,
			RetryDelay: time.Duration(s.Cassandra.RetryDelay) * time.Millisecond,
			Timeout:    time.Duration(s.Cassandra.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendSQLite, "":
		if dir == "" {
			dir = s.Path
		}
		if dir == "" {
			return nil, fmt.Errorf("%w: sqlite needs a persistence path", ErrInvalidConfig)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrIO, err)
		}
		b, err := sqlite.Open(ctx, filepath.Join(dir, DatabaseFile))
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, s.Backend)
	}
}
