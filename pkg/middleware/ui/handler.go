// Package ui serves the self-service pages and endpoints: registration,
// login, welcome, sessions, logout, social sign-in and the console used by
// the command line client.
package ui

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ideamans/idgate/pkg/middleware/auth/oauth2"
	"github.com/ideamans/idgate/pkg/middleware/flow"
	"github.com/ideamans/idgate/pkg/middleware/identity"
	"github.com/ideamans/idgate/pkg/middleware/ratelimit"
	"github.com/ideamans/idgate/pkg/middleware/routing"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/middleware/token"
	"github.com/ideamans/idgate/pkg/shared/i18n"
	"github.com/ideamans/idgate/pkg/shared/kvs"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// UI-relative paths.
const (
	PathRegistration   = "/ui/registration"
	PathLogin          = "/ui/login"
	PathWelcome        = "/ui/welcome"
	PathSessions       = "/ui/sessions"
	PathLoginBrowser   = "/self-service/login/browser"
	PathRegBrowser     = "/self-service/registration/browser"
	PathLogoutBrowser  = "/self-service/logout/browser"
	PathLogout         = "/self-service/logout"
	PathWhoami         = "/sessions/whoami"
	PathOIDCCallback   = "/self-service/methods/oidc/callback/"
	PathOAuth2Auth     = "/oauth2/auth"
	PathOAuth2Token    = "/oauth2/token"
	logoutTicketPrefix = "logout:"
	cliCodePrefix      = "code:"
)

// CookieOptions are the session cookie attributes.
type CookieOptions struct {
	Name     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// Options wires the UI to its collaborators.
type Options struct {
	Policy   routing.Policy
	Provider identity.Provider
	Flows    *flow.Store
	Tickets  kvs.Store // logout tickets and CLI authorization codes

	// optional
	Limiter *ratelimit.Limiter
	OAuth2  *oauth2.Manager

	Cookie             CookieOptions
	DefaultRedirectURL string
	CLIClientID        string
	ServiceName        string
}

// Handler is the UI router.
type Handler struct {
	opts       Options
	templates  *templates
	translator *i18n.Translator
	logger     logging.Logger
}

// New creates the UI router.
func New(opts Options, logger logging.Logger) (*Handler, error) {
	if opts.Policy == nil || opts.Provider == nil || opts.Flows == nil || opts.Tickets == nil {
		return nil, errors.New("ui: policy, provider, flows and tickets are required")
	}
	if opts.OAuth2 == nil {
		opts.OAuth2 = oauth2.NewManager()
	}
	if opts.CLIClientID == "" {
		opts.CLIClientID = "idgate-cli"
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "idgate"
	}
	tmpl, err := newTemplates()
	if err != nil {
		return nil, fmt.Errorf("ui: failed to parse templates: %w", err)
	}
	return &Handler{
		opts:       opts,
		templates:  tmpl,
		translator: i18n.NewTranslator(),
		logger:     logger.WithModule("ui"),
	}, nil
}

// ServeHTTP dispatches a UI path. Requests outside the UI get a 404.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.opts.Policy.Match(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case sub == PathRegistration:
		h.handleFlowPage(w, r, flow.TypeRegistration)
	case sub == PathLogin:
		h.handleFlowPage(w, r, flow.TypeLogin)
	case sub == PathRegBrowser:
		h.beginFlow(w, r, flow.TypeRegistration, r.URL.Query().Get("return_to"), nil)
	case sub == PathLoginBrowser:
		h.beginFlow(w, r, flow.TypeLogin, r.URL.Query().Get("return_to"), nil)
	case sub == PathWelcome:
		h.handleWelcome(w, r)
	case sub == PathSessions:
		h.handleSessions(w, r)
	case sub == PathLogoutBrowser:
		h.handleLogoutBrowser(w, r)
	case sub == PathLogout:
		h.handleLogout(w, r)
	case sub == PathWhoami:
		h.handleWhoami(w, r)
	case strings.HasPrefix(sub, PathOIDCCallback):
		h.handleOIDCCallback(w, r, strings.TrimSuffix(strings.TrimPrefix(sub, PathOIDCCallback), "/"))
	case sub == PathOAuth2Auth:
		h.handleOAuth2Auth(w, r)
	case sub == PathOAuth2Token:
		h.handleOAuth2Token(w, r)
	default:
		h.renderError(w, r, http.StatusNotFound, "error.bad_request")
	}
}

// url builds an absolute URL for a UI-relative path.
func (h *Handler) url(r *http.Request, sub string) string {
	return routing.URL(h.opts.Policy, r, sub)
}

func (h *Handler) lang(r *http.Request) i18n.Language {
	return i18n.DetectLanguage(r)
}

func (h *Handler) t(r *http.Request, key string) string {
	return h.translator.T(h.lang(r), key)
}

// currentSession resolves the session behind r, or nil.
func (h *Handler) currentSession(r *http.Request) *session.Session {
	tok := token.SessionToken(r, h.opts.Cookie.Name)
	if tok == "" {
		return nil
	}
	s, err := h.opts.Provider.Whoami(r.Context(), tok)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			h.logger.Warn("Session lookup failed", "error", err)
		}
		return nil
	}
	return s
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, s *session.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.opts.Cookie.Name,
		Value:    s.Token,
		Path:     "/",
		Domain:   h.opts.Cookie.Domain,
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   h.opts.Cookie.Secure,
		SameSite: h.opts.Cookie.SameSite,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.opts.Cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   h.opts.Cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.Cookie.Secure,
		SameSite: h.opts.Cookie.SameSite,
	})
}

// safeReturnTo resolves return_to to an absolute URL on a known host, or "".
func (h *Handler) safeReturnTo(r *http.Request, raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
			return ""
		}
		return h.opts.Policy.BaseURL(r) + raw
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	for _, allowed := range []string{h.opts.Policy.BaseURL(r), h.opts.DefaultRedirectURL, h.opts.Policy.AfterFlow()} {
		if allowed == "" {
			continue
		}
		if a, err := url.Parse(allowed); err == nil && strings.EqualFold(a.Host, u.Host) {
			return raw
		}
	}
	return ""
}

// afterFlowURL is where a finished flow lands.
func (h *Handler) afterFlowURL(r *http.Request, returnTo string) string {
	if rt := h.safeReturnTo(r, returnTo); rt != "" {
		return rt
	}
	if h.opts.DefaultRedirectURL != "" {
		return h.opts.DefaultRedirectURL
	}
	if after := h.opts.Policy.AfterFlow(); after != "" {
		return after
	}
	return h.url(r, PathWelcome)
}

// requestURL is the absolute URL of r as the browser sees it.
func (h *Handler) requestURL(r *http.Request) string {
	return h.opts.Policy.BaseURL(r) + r.URL.RequestURI()
}

// randomToken returns n random bytes, base64url encoded.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
