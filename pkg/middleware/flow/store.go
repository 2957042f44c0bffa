package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ideamans/idgate/pkg/shared/kvs"
)

// CookieOptions controls the browser binding cookie.
type CookieOptions struct {
	Domain string
	Secure bool
}

// Store persists flows in KVS.
type Store struct {
	kvs      kvs.Store
	lifespan time.Duration
	cookie   CookieOptions
}

// NewStore creates a flow store. A lifespan <= 0 uses DefaultLifespan.
func NewStore(store kvs.Store, lifespan time.Duration, cookie CookieOptions) *Store {
	if lifespan <= 0 {
		lifespan = DefaultLifespan
	}
	return &Store{kvs: store, lifespan: lifespan, cookie: cookie}
}

// CookieName is the binding cookie for flows of type t.
func CookieName(t Type) string {
	return "idgate_flow_" + string(t)
}

// Create stores a fresh flow of type t.
func (s *Store) Create(ctx context.Context, t Type, returnTo string) (*Flow, error) {
	now := time.Now().UTC()
	f := &Flow{
		ID:        uuid.NewString(),
		Type:      t,
		State:     StateChooseMethod,
		ReturnTo:  returnTo,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifespan),
	}
	if err := s.Update(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Get loads a flow. An expired flow is deleted and reported as ErrFlowExpired.
func (s *Store) Get(ctx context.Context, id string) (*Flow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrFlowNotFound
	}
	data, err := s.kvs.Get(ctx, id)
	if errors.Is(err, kvs.ErrNotFound) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("flow: failed to get from KVS: %w", err)
	}
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		_ = s.kvs.Delete(ctx, id)
		return nil, ErrFlowNotFound
	}
	if f.Expired() {
		_ = s.kvs.Delete(ctx, id)
		return nil, ErrFlowExpired
	}
	return &f, nil
}

// Update writes f back. Its TTL stays bound to the original expiry.
func (s *Store) Update(ctx context.Context, f *Flow) error {
	ttl := time.Until(f.ExpiresAt)
	if ttl <= 0 {
		return ErrFlowExpired
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("flow: failed to marshal: %w", err)
	}
	if err := s.kvs.Set(ctx, f.ID, data, ttl); err != nil {
		return fmt.Errorf("flow: failed to set in KVS: %w", err)
	}
	return nil
}

// Delete removes a flow. Missing flows are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.kvs.Delete(ctx, id); err != nil {
		return fmt.Errorf("flow: failed to delete from KVS: %w", err)
	}
	return nil
}

// Begin creates a flow of type t for this browser, replacing the flow the
// browser previously held for that type.
func (s *Store) Begin(ctx context.Context, w http.ResponseWriter, r *http.Request, t Type, returnTo string) (*Flow, error) {
	if c, err := r.Cookie(CookieName(t)); err == nil && c.Value != "" {
		if _, perr := uuid.Parse(c.Value); perr == nil {
			_ = s.Delete(ctx, c.Value)
		}
	}
	f, err := s.Create(ctx, t, returnTo)
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, s.bindingCookie(t, f.ID, int(s.lifespan.Seconds())))
	return f, nil
}

// Resume loads flow id for this browser. The flow must have type t and be
// the one bound to the browser's cookie.
func (s *Store) Resume(ctx context.Context, r *http.Request, t Type, id string) (*Flow, error) {
	c, err := r.Cookie(CookieName(t))
	if err != nil || c.Value != id {
		return nil, ErrFlowNotFound
	}
	f, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Type != t {
		return nil, ErrFlowNotFound
	}
	return f, nil
}

// Current loads the flow of type t bound to the browser's cookie.
func (s *Store) Current(ctx context.Context, r *http.Request, t Type) (*Flow, error) {
	c, err := r.Cookie(CookieName(t))
	if err != nil || c.Value == "" {
		return nil, ErrFlowNotFound
	}
	return s.Resume(ctx, r, t, c.Value)
}

// Finish deletes f and clears the browser binding.
func (s *Store) Finish(ctx context.Context, w http.ResponseWriter, f *Flow) error {
	http.SetCookie(w, s.bindingCookie(f.Type, "", -1))
	return s.Delete(ctx, f.ID)
}

func (s *Store) bindingCookie(t Type, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName(t),
		Value:    value,
		Path:     "/",
		Domain:   s.cookie.Domain,
		MaxAge:   maxAge,
		Secure:   s.cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
