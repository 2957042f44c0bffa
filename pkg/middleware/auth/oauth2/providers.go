package oauth2

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ideamans/idgate/pkg/middleware/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// profileProvider fetches a JSON profile from a userinfo endpoint.
type profileProvider struct {
	id          string
	displayName string
	config      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client

	// decode extracts the profile; emails is consulted when it finds no
	// verified email and returns a verified address
	decode func(profile map[string]interface{}) *UserInfo
	emails func(ctx context.Context, client *http.Client) (string, error)
}

// New builds the provider described by cfg. The redirect URL is supplied
// per request through Manager.AuthCodeURL.
func New(cfg config.OAuth2Provider) (Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("OAuth2 provider id is required")
	}
	p := &profileProvider{
		id:          cfg.ID,
		displayName: cfg.DisplayName,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		},
	}

	var defaults []string
	switch cfg.Type {
	case "google":
		p.config.Endpoint = google.Endpoint
		p.userInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
		p.decode = decodeOIDC
		defaults = []string{"openid", "email", "profile"}
	case "github":
		p.config.Endpoint = github.Endpoint
		p.userInfoURL = "https://api.github.com/user"
		p.decode = decodeGitHub
		p.emails = githubEmails("https://api.github.com/user/emails")
		defaults = []string{"user:email", "read:user"}
	case "microsoft":
		p.config.Endpoint = microsoft.AzureADEndpoint("common")
		p.userInfoURL = "https://graph.microsoft.com/oidc/userinfo"
		p.decode = decodeOIDC
		defaults = []string{"openid", "email", "profile"}
	case "custom":
		p.config.Endpoint = oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
		p.userInfoURL = cfg.UserInfoURL
		p.decode = decodeOIDC
		defaults = []string{"openid", "email", "profile"}
		if cfg.InsecureSkipVerify {
			p.httpClient = &http.Client{Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}}
		}
	default:
		return nil, fmt.Errorf("unsupported OAuth2 provider type %q", cfg.Type)
	}

	p.config.Scopes = mergeScopes(defaults, cfg.Scopes, cfg.ResetScopes)
	if p.displayName == "" {
		p.displayName = strings.ToUpper(cfg.ID[:1]) + cfg.ID[1:]
	}
	return p, nil
}

func mergeScopes(defaults, extra []string, reset bool) []string {
	if reset && len(extra) > 0 {
		return extra
	}
	out := append([]string(nil), defaults...)
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[s] = true
	}
	for _, s := range extra {
		if !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}

func (p *profileProvider) ID() string             { return p.id }
func (p *profileProvider) DisplayName() string    { return p.displayName }
func (p *profileProvider) Config() *oauth2.Config { return p.config }

// withClient attaches the provider's HTTP client, if any, for x/oauth2 calls.
func (p *profileProvider) withClient(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *profileProvider) UserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	client := p.config.Client(p.withClient(ctx), token)

	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get user info: status %d", resp.StatusCode)
	}

	var profile map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	info := p.decode(profile)
	if !info.EmailVerified && p.emails != nil {
		email, err := p.emails(ctx, client)
		switch {
		case err == nil:
			info.Email, info.EmailVerified = email, true
		case info.Email == "":
			return nil, err
		}
	}
	if info.Email == "" {
		return nil, ErrEmailNotFound
	}
	return info, nil
}

func str(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func decodeOIDC(profile map[string]interface{}) *UserInfo {
	name := str(profile, "name")
	if name == "" {
		name = str(profile, "preferred_username")
	}
	if name == "" {
		name = strings.TrimSpace(str(profile, "given_name") + " " + str(profile, "family_name"))
	}
	sub := str(profile, "sub")
	if sub == "" {
		sub = str(profile, "id")
	}
	return &UserInfo{Subject: sub, Email: str(profile, "email"), Name: name, EmailVerified: truthy(profile["email_verified"])}
}

// truthy accepts the boolean and the string form some providers send.
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

func decodeGitHub(profile map[string]interface{}) *UserInfo {
	name := str(profile, "name")
	if name == "" {
		name = str(profile, "login")
	}
	return &UserInfo{Subject: str(profile, "id"), Email: str(profile, "email"), Name: name}
}

// githubEmails picks the primary verified address, else the first verified one.
func githubEmails(endpoint string) func(context.Context, *http.Client) (string, error) {
	return func(ctx context.Context, client *http.Client) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to get user emails: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("failed to get user emails: status %d", resp.StatusCode)
		}

		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
			return "", fmt.Errorf("failed to decode user emails: %w", err)
		}

		for _, e := range emails {
			if e.Primary && e.Verified {
				return e.Email, nil
			}
		}
		for _, e := range emails {
			if e.Verified {
				return e.Email, nil
			}
		}
		return "", ErrEmailNotFound
	}
}
