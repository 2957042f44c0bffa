// Package middleware composes the identity proxy: health probes, the JWKS
// endpoint, the self-service UI, protected paths, bearer token translation
// and the upstream proxy.
package middleware

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/ideamans/idgate/pkg/middleware/routing"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/middleware/token"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// Options wires a Middleware.
type Options struct {
	Policy routing.Policy

	// UI serves every path the policy matches.
	UI http.Handler

	// JWKS serves the public key set.
	JWKS http.Handler

	Translator *token.Translator

	// Resolver decides whether a request to a protected path is authenticated.
	Resolver     token.Resolver
	ProtectPaths []string
}

// Middleware is the identity proxy. It implements http.Handler and wraps
// the upstream handler.
type Middleware struct {
	opts   Options
	ready  atomic.Bool
	logger logging.Logger
	next   http.Handler
}

// New creates the identity proxy.
func New(opts Options, logger logging.Logger) (*Middleware, error) {
	if opts.Policy == nil || opts.UI == nil || opts.Translator == nil {
		return nil, errors.New("middleware: policy, UI and translator are required")
	}
	if len(opts.ProtectPaths) > 0 && opts.Resolver == nil {
		return nil, errors.New("middleware: protected paths need a session resolver")
	}
	return &Middleware{
		opts:   opts,
		logger: logger.WithModule("middleware"),
	}, nil
}

// Wrap sets the upstream handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	m.next = next
	return m
}

// SetReady marks the middleware ready to serve traffic.
func (m *Middleware) SetReady() {
	m.ready.Store(true)
}

// SetDraining makes /ready fail so load balancers stop routing here.
func (m *Middleware) SetDraining() {
	m.ready.Store(false)
}

// ServeHTTP classifies the request and dispatches it.
func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// never pin local development to HTTPS
	w.Header().Set("Strict-Transport-Security", "max-age=0")

	switch r.URL.Path {
	case "/health":
		m.handleHealth(w, r)
		return
	case "/ready":
		m.handleReady(w, r)
		return
	case m.opts.Policy.Path("/jwks.json"), m.opts.Policy.Path("/proxy/jwks.json"):
		if m.opts.JWKS != nil {
			m.opts.JWKS.ServeHTTP(w, r)
			return
		}
	}

	if _, ok := m.opts.Policy.Match(r.URL.Path); ok {
		m.opts.UI.ServeHTTP(w, r)
		return
	}

	if m.isProtected(r.URL.Path) && !m.authenticated(r) {
		m.deny(w, r)
		return
	}

	if m.opts.Translator.Apply(r) {
		m.logger.Debug("Forwarding with bearer token", "path", r.URL.Path)
	}
	if m.next == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Forwarded"))
		return
	}
	m.next.ServeHTTP(w, r)
}

func (m *Middleware) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (m *Middleware) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !m.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("DRAINING"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

// isProtected reports whether path falls under a protected prefix.
func (m *Middleware) isProtected(path string) bool {
	for _, p := range m.opts.ProtectPaths {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

func (m *Middleware) authenticated(r *http.Request) bool {
	s, err := m.opts.Resolver.Resolve(r)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			m.logger.Warn("Session lookup failed", "path", r.URL.Path, "error", err)
		}
		return false
	}
	return s.IsValid()
}

// deny sends browsers to a login flow and answers API clients with 401.
func (m *Middleware) deny(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		returnTo := m.opts.Policy.BaseURL(r) + r.URL.RequestURI()
		target := routing.URL(m.opts.Policy, r, "/self-service/login/browser") + "?return_to=" + url.QueryEscape(returnTo)
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
