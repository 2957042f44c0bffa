package kvs

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiration
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// MemoryStore keeps entries in a map. Data is lost on restart.
type MemoryStore struct {
	prefix  string
	items   map[string]*memoryItem
	mu      sync.RWMutex
	closed  bool
	janitor *janitor
}

// NewMemoryStore creates an in-memory store with a background expiry sweep.
func NewMemoryStore(prefix string, cfg MemoryConfig) (*MemoryStore, error) {
	m := &MemoryStore{
		prefix: prefix,
		items:  make(map[string]*memoryItem),
	}
	m.janitor = startJanitor(cfg.CleanupInterval, m.sweep)
	return m, nil
}

// Get retrieves a copy of the value stored under key.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	item, ok := m.items[m.prefix+key]
	if !ok || item.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.value...), nil
}

// Set stores a copy of value.
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	item := &memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	m.items[m.prefix+key] = item
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.items, m.prefix+key)
	return nil
}

// Exists reports whether key is present and live.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	switch err {
	case nil:
		return true, nil
	case ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

// List returns live keys with the given prefix.
func (m *MemoryStore) List(ctx context.Context, keyPrefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	full := m.prefix + keyPrefix
	now := time.Now()
	var keys []string
	for k, item := range m.items {
		if strings.HasPrefix(k, full) && !item.expired(now) {
			keys = append(keys, strings.TrimPrefix(k, m.prefix))
		}
	}
	return keys, nil
}

// Close stops the sweeper and drops all data.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	m.janitor.halt()

	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	now := time.Now()
	for k, item := range m.items {
		if item.expired(now) {
			delete(m.items, k)
		}
	}
}
