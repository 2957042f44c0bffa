// Package routing decides which requests belong to the identity UI and how
// absolute URLs and forwarded requests look in each operating mode.
package routing

import (
	"net/http"
	"net/url"
	"strings"
)

// Policy is the operating mode of the proxy.
type Policy interface {
	// Match reports whether path is a UI path and returns it relative to the UI root.
	Match(path string) (sub string, ok bool)

	// Path turns a UI-relative path into a request path.
	Path(sub string) string

	// BaseURL is the scheme and host absolute URLs are built on, without trailing slash.
	BaseURL(r *http.Request) string

	// Direct adjusts a request about to be forwarded upstream.
	Direct(r *http.Request)

	// AfterFlow is where a finished flow without return_to lands.
	// An empty result means the welcome page.
	AfterFlow() string
}

// URL joins the base URL and a UI-relative path.
func URL(p Policy, r *http.Request, sub string) string {
	return p.BaseURL(r) + p.Path(sub)
}

// uiRoots are the UI-relative path roots served by the UI router.
var uiRoots = []string{"/ui/", "/self-service/", "/sessions/", "/oauth2/"}

func isUIPath(sub string) bool {
	for _, root := range uiRoots {
		if strings.HasPrefix(sub, root) {
			return true
		}
	}
	return false
}

// Embedded serves the UI under a path prefix on the application's own host.
type Embedded struct {
	Prefix string // e.g. "/.ory"

	// RewriteHost sends the upstream's host instead of the browser's.
	RewriteHost bool
}

func (e *Embedded) Match(path string) (string, bool) {
	prefix := strings.TrimSuffix(e.Prefix, "/")
	if prefix == "" {
		return path, isUIPath(path)
	}
	if path == prefix {
		return "/", true
	}
	if !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	return path[len(prefix):], true
}

func (e *Embedded) Path(sub string) string {
	return strings.TrimSuffix(e.Prefix, "/") + sub
}

// BaseURL follows the request: X-Forwarded-Proto and X-Forwarded-Host win
// over TLS state and Host.
func (e *Embedded) BaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host
}

func (e *Embedded) Direct(r *http.Request) {
	if e.RewriteHost {
		r.Host = r.URL.Host
	}
}

func (e *Embedded) AfterFlow() string { return "" }

// Tunnel serves the UI at the root of a stable public URL, separate from
// the application.
type Tunnel struct {
	PublicURL *url.URL
	AppURL    *url.URL
}

func (t *Tunnel) Match(path string) (string, bool) {
	return path, isUIPath(path)
}

func (t *Tunnel) Path(sub string) string { return sub }

func (t *Tunnel) BaseURL(*http.Request) string {
	return strings.TrimSuffix((&url.URL{Scheme: t.PublicURL.Scheme, Host: t.PublicURL.Host}).String(), "/")
}

func (t *Tunnel) Direct(r *http.Request) {
	r.Host = r.URL.Host
	r.Header.Set("X-Forwarded-Host", t.PublicURL.Host)
	r.Header.Set("X-Forwarded-Proto", t.PublicURL.Scheme)
}

func (t *Tunnel) AfterFlow() string {
	if t.AppURL == nil {
		return ""
	}
	return t.AppURL.String()
}
