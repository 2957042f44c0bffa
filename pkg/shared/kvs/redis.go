package kvs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares state between several idgate replicas.
// Keys are stored as "namespace:key" and expiry is delegated to Redis TTLs.
type RedisStore struct {
	namespace string // "namespace:" or empty
	client    *redis.Client
	mu        sync.RWMutex
	closed    bool
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(namespace string, cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kvs/redis: failed to connect to %s: %w", cfg.Addr, err)
	}

	if namespace != "" {
		namespace += ":"
	}
	return &RedisStore{namespace: namespace, client: client}, nil
}

func (r *RedisStore) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Get retrieves a value by key.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	value, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvs/redis: get failed: %w", err)
	}
	return value, nil
}

// Set stores a value with optional TTL.
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.isClosed() {
		return ErrClosed
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.namespace+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvs/redis: set failed: %w", err)
	}
	return nil
}

// Delete removes a key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.Del(ctx, r.namespace+key).Err(); err != nil {
		return fmt.Errorf("kvs/redis: delete failed: %w", err)
	}
	return nil
}

// Exists checks if a key exists and has not expired.
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if r.isClosed() {
		return false, ErrClosed
	}
	n, err := r.client.Exists(ctx, r.namespace+key).Result()
	if err != nil {
		return false, fmt.Errorf("kvs/redis: exists check failed: %w", err)
	}
	return n > 0, nil
}

// List scans for keys matching a prefix.
func (r *RedisStore) List(ctx context.Context, keyPrefix string) ([]string, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	var keys []string
	iter := r.client.Scan(ctx, 0, r.namespace+keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kvs/redis: list failed: %w", err)
	}
	return keys, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("kvs/redis: close failed: %w", err)
	}
	return nil
}
