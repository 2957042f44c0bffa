package kvs

import (
	"context"
	"strings"
	"time"
)

// NamespacedStore lets several logical stores share one backend:
//
//	base, _ := kvs.New(cfg)
//	sessions := kvs.NewNamespacedStore(base, "session:")
//	flows := kvs.NewNamespacedStore(base, "flow:")
//
// Close on a wrapper closes the shared backend; callers close the base store instead.
type NamespacedStore struct {
	store  Store
	prefix string
}

// NewNamespacedStore wraps store. An empty prefix returns store unchanged.
func NewNamespacedStore(store Store, prefix string) Store {
	if prefix == "" {
		return store
	}
	return &NamespacedStore{store: store, prefix: prefix}
}

func (n *NamespacedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, n.prefix+key)
}

func (n *NamespacedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.store.Set(ctx, n.prefix+key, value, ttl)
}

func (n *NamespacedStore) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.prefix+key)
}

func (n *NamespacedStore) Exists(ctx context.Context, key string) (bool, error) {
	return n.store.Exists(ctx, n.prefix+key)
}

// List returns keys with the namespace prefix removed.
func (n *NamespacedStore) List(ctx context.Context, keyPrefix string) ([]string, error) {
	keys, err := n.store.List(ctx, n.prefix+keyPrefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, n.prefix)
	}
	return keys, nil
}

func (n *NamespacedStore) Close() error {
	return n.store.Close()
}
