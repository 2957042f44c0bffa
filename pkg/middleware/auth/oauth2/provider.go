// Package oauth2 implements social sign-in: the authorization code round
// trip against third-party providers and the profile lookup afterwards.
package oauth2

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

var (
	ErrProviderNotFound = errors.New("OAuth2 provider not found")
	ErrEmailNotFound    = errors.New("user email not found in OAuth2 response")
)

// UserInfo is the profile returned by a provider.
type UserInfo struct {
	Subject string // provider-side account id
	Email   string
	Name    string

	// EmailVerified is true only when the provider vouches for Email.
	EmailVerified bool
}

// Provider is a configured social sign-in provider.
type Provider interface {
	ID() string
	DisplayName() string
	Config() *oauth2.Config
	UserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error)
}
