package oauth2

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// Manager holds the configured providers in display order.
type Manager struct {
	providers map[string]Provider
	order     []string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// AddProvider registers p, replacing any provider with the same id.
func (m *Manager) AddProvider(p Provider) {
	if _, exists := m.providers[p.ID()]; !exists {
		m.order = append(m.order, p.ID())
	}
	m.providers[p.ID()] = p
}

// GetProvider looks up a provider by id.
func (m *Manager) GetProvider(id string) (Provider, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, nil
}

// GetProviders returns the providers in the order they were added.
func (m *Manager) GetProviders() []Provider {
	out := make([]Provider, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.providers[id])
	}
	return out
}

// withRedirect copies the provider config with a per-request redirect URL.
// The callback URL depends on the public base URL, which differs per mode.
func withRedirect(p Provider, redirectURL string) *oauth2.Config {
	orig := p.Config()
	return &oauth2.Config{
		ClientID:     orig.ClientID,
		ClientSecret: orig.ClientSecret,
		Endpoint:     orig.Endpoint,
		Scopes:       orig.Scopes,
		RedirectURL:  redirectURL,
	}
}

// AuthCodeURL returns the provider authorization URL.
func (m *Manager) AuthCodeURL(id, state, redirectURL string) (string, error) {
	p, err := m.GetProvider(id)
	if err != nil {
		return "", err
	}
	return withRedirect(p, redirectURL).AuthCodeURL(state), nil
}

// Exchange trades an authorization code for a token.
func (m *Manager) Exchange(ctx context.Context, id, code, redirectURL string) (*oauth2.Token, error) {
	p, err := m.GetProvider(id)
	if err != nil {
		return nil, err
	}
	if pp, ok := p.(*profileProvider); ok {
		ctx = pp.withClient(ctx)
	}
	token, err := withRedirect(p, redirectURL).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// UserInfo fetches the profile behind token.
func (m *Manager) UserInfo(ctx context.Context, id string, token *oauth2.Token) (*UserInfo, error) {
	p, err := m.GetProvider(id)
	if err != nil {
		return nil, err
	}
	return p.UserInfo(ctx, token)
}

// GenerateState returns a random CSRF state value.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
