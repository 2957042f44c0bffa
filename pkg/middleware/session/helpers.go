package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ideamans/idgate/pkg/shared/kvs"
)

// record is the stored form; it keeps the token that Session hides from JSON.
type record struct {
	Token   string   `json:"token"`
	Session *Session `json:"session"`
}

// Get loads the session stored under token.
// Invalid sessions are deleted and reported as ErrSessionNotFound.
func Get(ctx context.Context, store kvs.Store, token string) (*Session, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	data, err := store.Get(ctx, token)
	if errors.Is(err, kvs.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: failed to get from KVS: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Session == nil {
		// malformed entries are treated like missing ones
		_ = store.Delete(ctx, token)
		return nil, ErrSessionNotFound
	}
	rec.Session.Token = rec.Token

	if !rec.Session.IsValid() {
		_ = store.Delete(ctx, token)
		return nil, ErrSessionNotFound
	}
	return rec.Session, nil
}

// Set stores s under s.Token with a TTL matching its expiry.
func Set(ctx context.Context, store kvs.Store, s *Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return errors.New("session: session already expired")
	}
	data, err := json.Marshal(record{Token: s.Token, Session: s})
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}
	if err := store.Set(ctx, s.Token, data, ttl); err != nil {
		return fmt.Errorf("session: failed to set in KVS: %w", err)
	}
	return nil
}

// Delete removes the session stored under token.
func Delete(ctx context.Context, store kvs.Store, token string) error {
	if err := store.Delete(ctx, token); err != nil {
		return fmt.Errorf("session: failed to delete from KVS: %w", err)
	}
	return nil
}
