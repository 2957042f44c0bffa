package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ideamans/idgate/pkg/middleware/identity"
	"github.com/ideamans/idgate/pkg/middleware/session"
)

// SessionTokenHeader carries a session token for non-browser clients.
const SessionTokenHeader = "X-Session-Token"

// Resolver finds the session behind a request.
// It returns session.ErrSessionNotFound when there is none.
type Resolver interface {
	Resolve(r *http.Request) (*session.Session, error)
}

// SessionToken returns the session cookie value, falling back to the
// X-Session-Token header.
func SessionToken(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(SessionTokenHeader)
}

// ProviderResolver asks an in-process identity provider.
type ProviderResolver struct {
	Provider   identity.Provider
	CookieName string
}

func (p *ProviderResolver) Resolve(r *http.Request) (*session.Session, error) {
	token := SessionToken(r, p.CookieName)
	if token == "" {
		return nil, session.ErrSessionNotFound
	}
	return p.Provider.Whoami(r.Context(), token)
}

// RemoteResolver calls the whoami endpoint of a remote provider, forwarding
// the browser's cookies and session token header.
type RemoteResolver struct {
	WhoamiURL string
	Client    *http.Client

	// Attempts defaults to 3. Only transport errors and 5xx are retried.
	Attempts uint
	Delay    time.Duration
}

func (rr *RemoteResolver) Resolve(r *http.Request) (*session.Session, error) {
	cookie := r.Header.Get("Cookie")
	token := r.Header.Get(SessionTokenHeader)
	if cookie == "" && token == "" {
		return nil, session.ErrSessionNotFound
	}

	client := rr.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	attempts := rr.Attempts
	if attempts == 0 {
		attempts = 3
	}
	delay := rr.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	var s session.Session
	err := retry.Do(func() error {
		return rr.fetch(r.Context(), client, cookie, token, &s)
	},
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.Context(r.Context()),
	)
	if err != nil {
		return nil, err
	}
	if !s.IsValid() {
		return nil, session.ErrSessionNotFound
	}
	return &s, nil
}

func (rr *RemoteResolver) fetch(ctx context.Context, client *http.Client, cookie, token string, into *session.Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rr.WhoamiURL, nil)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("token: invalid whoami URL: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if token != "" {
		req.Header.Set(SessionTokenHeader, token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("token: whoami returned %d", resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return retry.Unrecoverable(session.ErrSessionNotFound)
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return retry.Unrecoverable(fmt.Errorf("token: failed to decode whoami response: %w", err))
	}
	return nil
}
