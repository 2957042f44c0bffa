// Package flow keeps short-lived self-service flow records and binds each
// one to the browser that started it.
package flow

import (
	"errors"
	"time"
)

// Type identifies the self-service flow.
type Type string

const (
	TypeRegistration Type = "registration"
	TypeLogin        Type = "login"
	TypeLogout       Type = "logout"
	TypeSocial       Type = "social"
)

// Method is the credential method chosen in a flow.
type Method string

const (
	MethodPassword Method = "password"
	MethodOIDC     Method = "oidc"
)

// State is the UI step a flow is in.
type State string

const (
	StateChooseMethod    State = "choose_method"
	StateSent            State = "sent"
	StatePassedChallenge State = "passed_challenge"
)

// DefaultLifespan is how long an untouched flow stays usable.
const DefaultLifespan = 10 * time.Minute

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrFlowExpired  = errors.New("flow expired")
)

// Message is shown above a flow form.
type Message struct {
	Type string `json:"type"` // "error" or "info"
	Text string `json:"text"`
}

// Flow is one attempt at registration, login or social sign-in.
type Flow struct {
	ID       string            `json:"id"`
	Type     Type              `json:"type"`
	Method   Method            `json:"method,omitempty"`
	State    State             `json:"state"`
	ReturnTo string            `json:"return_to,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
	Messages []Message         `json:"messages,omitempty"`

	// set for social flows
	Provider   string `json:"provider,omitempty"`
	OAuthState string `json:"oauth_state,omitempty"`

	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the flow can no longer be submitted.
func (f *Flow) Expired() bool {
	return !time.Now().Before(f.ExpiresAt)
}

// Value returns a collected field or "".
func (f *Flow) Value(name string) string {
	if f.Values == nil {
		return ""
	}
	return f.Values[name]
}

// SetValue records a field for re-rendering. Password fields are never kept.
func (f *Flow) SetValue(name, value string) {
	if name == "password" || name == "code_verifier" {
		return
	}
	if f.Values == nil {
		f.Values = make(map[string]string)
	}
	f.Values[name] = value
}

// AddError replaces the messages with a single error.
func (f *Flow) AddError(text string) {
	f.Messages = []Message{{Type: "error", Text: text}}
}
