package kvs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore persists entries on disk. Each value carries an 8-byte
// big-endian expiry (unix nanos, 0 = never) ahead of the payload.
type LevelDBStore struct {
	prefix  string
	db      *leveldb.DB
	sync    bool
	mu      sync.RWMutex
	closed  bool
	janitor *janitor
}

// NewLevelDBStore opens (or recovers) a LevelDB database.
func NewLevelDBStore(prefix string, cfg LevelDBConfig) (*LevelDBStore, error) {
	dbPath := cfg.Path
	if dbPath == "" {
		dbPath = defaultLevelDBPath(prefix)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("kvs/leveldb: failed to create directory: %w", err)
	}

	db, err := leveldb.OpenFile(dbPath, &opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.SnappyCompression,
	})
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dbPath, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("kvs/leveldb: failed to open database at %s: %w", dbPath, err)
	}

	l := &LevelDBStore{prefix: prefix, db: db, sync: cfg.SyncWrites}
	l.janitor = startJanitor(cfg.CleanupInterval, l.sweep)
	return l, nil
}

func defaultLevelDBPath(prefix string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	name := "idgate"
	if prefix != "" {
		name += "-" + strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			}
			return '-'
		}, prefix)
	}
	return filepath.Join(base, name)
}

func encodeValue(value []byte, ttl time.Duration) []byte {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out[:8], uint64(expiresAt))
	copy(out[8:], value)
	return out
}

// decodeValue returns the payload and whether it has expired.
func decodeValue(encoded []byte, now time.Time) ([]byte, bool, error) {
	if len(encoded) < 8 {
		return nil, false, errors.New("kvs/leveldb: invalid encoded value (too short)")
	}
	expiresAt := int64(binary.BigEndian.Uint64(encoded[:8]))
	if expiresAt > 0 && now.UnixNano() > expiresAt {
		return nil, true, nil
	}
	return encoded[8:], false, nil
}

func (l *LevelDBStore) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Get retrieves a value by key. Expired entries are removed lazily.
func (l *LevelDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	encoded, err := l.db.Get([]byte(l.prefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kvs/leveldb: get failed: %w", err)
	}
	value, expired, err := decodeValue(encoded, time.Now())
	if err != nil {
		return nil, err
	}
	if expired {
		_ = l.db.Delete([]byte(l.prefix+key), nil)
		return nil, ErrNotFound
	}
	return value, nil
}

// Set stores a value with optional TTL.
func (l *LevelDBStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if l.isClosed() {
		return ErrClosed
	}
	if err := l.db.Put([]byte(l.prefix+key), encodeValue(value, ttl), &opt.WriteOptions{Sync: l.sync}); err != nil {
		return fmt.Errorf("kvs/leveldb: set failed: %w", err)
	}
	return nil
}

// Delete removes a key.
func (l *LevelDBStore) Delete(ctx context.Context, key string) error {
	if l.isClosed() {
		return ErrClosed
	}
	if err := l.db.Delete([]byte(l.prefix+key), nil); err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("kvs/leveldb: delete failed: %w", err)
	}
	return nil
}

// Exists checks if a key exists and has not expired.
func (l *LevelDBStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := l.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns all live keys matching a prefix.
func (l *LevelDBStore) List(ctx context.Context, keyPrefix string) ([]string, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	iter := l.db.NewIterator(util.BytesPrefix([]byte(l.prefix+keyPrefix)), nil)
	defer iter.Release()

	now := time.Now()
	var keys []string
	for iter.Next() {
		if _, expired, err := decodeValue(iter.Value(), now); err != nil || expired {
			continue
		}
		keys = append(keys, strings.TrimPrefix(string(iter.Key()), l.prefix))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("kvs/leveldb: iteration failed: %w", err)
	}
	return keys, nil
}

// Close stops the sweeper and closes the database.
func (l *LevelDBStore) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.mu.Unlock()

	l.janitor.halt()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("kvs/leveldb: close failed: %w", err)
	}
	return nil
}

// sweep batch-deletes expired entries under the store prefix.
func (l *LevelDBStore) sweep() {
	if l.isClosed() {
		return
	}
	iter := l.db.NewIterator(util.BytesPrefix([]byte(l.prefix)), nil)
	defer iter.Release()

	now := time.Now()
	batch := new(leveldb.Batch)
	for iter.Next() {
		if _, expired, err := decodeValue(iter.Value(), now); err == nil && expired {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if batch.Len() > 0 {
		_ = l.db.Write(batch, nil)
	}
}
