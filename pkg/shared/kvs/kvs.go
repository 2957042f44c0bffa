// Package kvs is the key-value abstraction behind sessions, flows, identities
// and one-time tickets. Backends: in-process memory, LevelDB on disk, and Redis.
package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is a TTL-aware key-value store. Implementations are safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value. A ttl <= 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// List returns the live keys starting with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources. Later calls return ErrClosed.
	Close() error
}

var (
	// ErrNotFound is returned when a key is not found or has expired.
	ErrNotFound = errors.New("kvs: key not found")

	// ErrClosed is returned when an operation is attempted on a closed store.
	ErrClosed = errors.New("kvs: store is closed")
)

// Config selects and configures a backend.
type Config struct {
	// Type is "memory" (default), "leveldb" or "redis".
	Type string `yaml:"type" json:"type"`

	// Namespace is prepended to every key.
	Namespace string `yaml:"namespace" json:"namespace"`

	Memory  MemoryConfig  `yaml:"memory" json:"memory"`
	LevelDB LevelDBConfig `yaml:"leveldb" json:"leveldb"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
}

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	// CleanupInterval defaults to 5 minutes.
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// LevelDBConfig configures the LevelDB store.
type LevelDBConfig struct {
	// Path defaults to a directory under the user cache dir.
	Path            string        `yaml:"path" json:"path"`
	SyncWrites      bool          `yaml:"sync_writes" json:"sync_writes"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// New creates a store from cfg.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(cfg.Namespace, cfg.Memory)
	case "leveldb":
		return NewLevelDBStore(cfg.Namespace, cfg.LevelDB)
	case "redis":
		return NewRedisStore(cfg.Namespace, cfg.Redis)
	default:
		return nil, fmt.Errorf("kvs: unsupported store type: %s", cfg.Type)
	}
}

const defaultCleanupInterval = 5 * time.Minute

// janitor runs fn on every tick until stop is closed.
type janitor struct {
	stop chan struct{}
	done chan struct{}
}

func startJanitor(interval time.Duration, fn func()) *janitor {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	j := &janitor{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-j.stop:
				return
			}
		}
	}()
	return j
}

func (j *janitor) halt() {
	close(j.stop)
	<-j.done
}
