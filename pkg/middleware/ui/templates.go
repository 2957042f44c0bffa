package ui

import (
	"bytes"
	"html/template"
	"net/http"
	"net/url"

	"github.com/ideamans/idgate/pkg/middleware/flow"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/i18n"
)

// PageData is passed to every page template.
type PageData struct {
	Lang        i18n.Language
	Title       string
	ServiceName string
	Nonce       string
	T           func(string) string

	// flow pages
	FlowID    string
	Action    string
	Messages  []flow.Message
	Values    map[string]string
	Providers []ProviderData

	Links       map[string]string
	Session     *session.Session
	SessionJSON string
	Consent     *authRequest
	Error       string
}

// ProviderData is a social sign-in button.
type ProviderData struct {
	ID    string
	Label string
}

type templates struct {
	registration *template.Template
	login        *template.Template
	welcome      *template.Template
	sessions     *template.Template
	consent      *template.Template
	error        *template.Template
}

func newTemplates() (*templates, error) {
	base, err := template.New("base").Parse(baseTemplate)
	if err != nil {
		return nil, err
	}
	page := func(body string) (*template.Template, error) {
		t, err := base.Clone()
		if err != nil {
			return nil, err
		}
		return t.Parse(body)
	}

	t := &templates{}
	for _, p := range []struct {
		dst  **template.Template
		body string
	}{
		{&t.registration, registrationTemplate},
		{&t.login, loginTemplate},
		{&t.welcome, welcomeTemplate},
		{&t.sessions, sessionsTemplate},
		{&t.consent, consentTemplate},
		{&t.error, errorTemplate},
	} {
		if *p.dst, err = page(p.body); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *templates) lookup(name string) *template.Template {
	switch name {
	case "registration":
		return t.registration
	case "login":
		return t.login
	case "welcome":
		return t.welcome
	case "sessions":
		return t.sessions
	case "consent":
		return t.consent
	default:
		return t.error
	}
}

// page builds the data shared by every page.
func (h *Handler) page(r *http.Request, titleKey string) *PageData {
	lang := h.lang(r)
	t := func(key string) string { return h.translator.T(lang, key) }
	return &PageData{
		Lang:        lang,
		Title:       t(titleKey),
		ServiceName: h.opts.ServiceName,
		T:           t,
	}
}

// renderFlow renders the page for flow f.
func (h *Handler) renderFlow(w http.ResponseWriter, r *http.Request, f *flow.Flow, status int) {
	name := "login"
	other := PathRegBrowser
	if f.Type == flow.TypeRegistration {
		name = "registration"
		other = PathLoginBrowser
	}
	data := h.page(r, name+".title")
	data.FlowID = f.ID
	data.Action = h.url(r, pagePath(f.Type)) + "?flow=" + url.QueryEscape(f.ID)
	data.Messages = f.Messages
	data.Values = f.Values
	if data.Values == nil {
		data.Values = map[string]string{}
	}
	for _, p := range h.opts.OAuth2.GetProviders() {
		data.Providers = append(data.Providers, ProviderData{ID: p.ID(), Label: p.DisplayName()})
	}
	otherURL := h.url(r, other)
	if f.ReturnTo != "" {
		otherURL += "?return_to=" + url.QueryEscape(f.ReturnTo)
	}
	data.Links = map[string]string{"other": otherURL}
	h.render(w, r, name, data, status)
}

// renderError renders the error page with the message for key.
func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, status int, key string) {
	data := h.page(r, "error.title")
	data.Error = h.t(r, key)
	data.Links = map[string]string{"login": h.url(r, PathLoginBrowser)}
	h.render(w, r, "error", data, status)
}

// render executes the named page into a buffer and writes it with the
// security headers.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, name string, data *PageData, status int) {
	nonce, err := randomToken(16)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	data.Nonce = nonce

	var buf bytes.Buffer
	if err := h.templates.lookup(name).ExecuteTemplate(&buf, "base", data); err != nil {
		h.logger.Error("Failed to render template", "template", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	setSecurityHeaders(w, nonce)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(buf.Bytes())
	}
}

func setSecurityHeaders(w http.ResponseWriter, nonce string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Security-Policy",
		"default-src 'none'; "+
			"script-src 'nonce-"+nonce+"'; "+
			"style-src 'nonce-"+nonce+"'; "+
			"connect-src 'self'; "+
			"img-src 'self' data:; "+
			"form-action *; "+
			"base-uri 'none'; "+
			"frame-ancestors 'none'")
}

const baseTemplate = `<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}} - {{.ServiceName}}</title>
<style nonce="{{.Nonce}}">
body { font-family: system-ui, -apple-system, sans-serif; background: #f6f7f9; color: #1f2328; margin: 0; }
.container { max-width: 28rem; margin: 4rem auto; background: #fff; border: 1px solid #d0d7de; border-radius: 8px; padding: 2rem; }
h1 { font-size: 1.5rem; margin-top: 0; }
label { display: block; margin: 1rem 0 0.25rem; font-size: 0.875rem; }
input[type=email], input[type=password], input[type=text] { width: 100%; box-sizing: border-box; padding: 0.5rem; border: 1px solid #d0d7de; border-radius: 6px; }
button { margin-top: 1rem; width: 100%; padding: 0.6rem; border: 0; border-radius: 6px; background: #1f6feb; color: #fff; cursor: pointer; }
button.secondary { background: #fff; color: #1f2328; border: 1px solid #d0d7de; }
.message-error { background: #ffebe9; border: 1px solid #ff8182; border-radius: 6px; padding: 0.75rem; margin-bottom: 1rem; }
pre { background: #f6f8fa; padding: 1rem; overflow: auto; font-size: 0.75rem; }
a[aria-disabled=true] { pointer-events: none; color: #8c959f; }
</style>
</head>
<body>
<main class="container">
<h1>{{.Title}}</h1>
{{range .Messages}}<div class="message-{{.Type}}" data-testid="ui/message/{{.Type}}">{{.Text}}</div>
{{end}}{{template "content" .}}
</main>
</body>
</html>
{{define "social"}}{{if .Providers}}
<form method="POST" action="{{.Action}}" data-testid="social-form">
<input type="hidden" name="flow" value="{{.FlowID}}">
<input type="hidden" name="method" value="oidc">
{{range .Providers}}<button class="secondary" type="submit" name="provider" value="{{.ID}}" data-testid="social-{{.ID}}">{{call $.T "login.with"}} {{.Label}}</button>
{{end}}</form>
{{end}}{{end}}`

const registrationTemplate = `{{define "content"}}
<form method="POST" action="{{.Action}}" data-testid="registration-form">
<input type="hidden" name="flow" value="{{.FlowID}}">
<input type="hidden" name="method" value="password">
<label for="traits.email">{{call .T "field.email"}}</label>
<input id="traits.email" type="email" name="traits.email" value="{{index .Values "traits.email"}}" autocomplete="email" required>
<label for="password">{{call .T "field.password"}}</label>
<input id="password" type="password" name="password" autocomplete="new-password" required>
<button type="submit" name="submit" value="password">{{call .T "registration.submit"}}</button>
</form>
{{template "social" .}}
<p><a data-testid="cta-link" href="{{index .Links "other"}}">{{call .T "registration.to_login"}}</a></p>
{{end}}`

const loginTemplate = `{{define "content"}}
<form method="POST" action="{{.Action}}" data-testid="login-form">
<input type="hidden" name="flow" value="{{.FlowID}}">
<input type="hidden" name="method" value="password">
<label for="identifier">{{call .T "field.identifier"}}</label>
<input id="identifier" type="email" name="identifier" value="{{index .Values "identifier"}}" autocomplete="username" required>
<label for="password">{{call .T "field.password"}}</label>
<input id="password" type="password" name="password" autocomplete="current-password" required>
<button type="submit" name="submit" value="password">{{call .T "login.submit"}}</button>
</form>
{{template "social" .}}
<p><a data-testid="cta-link" href="{{index .Links "other"}}">{{call .T "login.to_registration"}}</a></p>
{{end}}`

const welcomeTemplate = `{{define "content"}}
{{if .Session}}
<p>{{call .T "welcome.signed_in"}} <strong data-testid="identity-email">{{.Session.Identity.Traits.Email}}</strong></p>
<p><a data-testid="sessions-link" href="{{index .Links "sessions"}}">{{call .T "welcome.sessions"}}</a></p>
<div data-testid="logout"><a aria-disabled="true" data-logout-endpoint="{{index .Links "logoutBrowser"}}" href="#">{{call .T "welcome.logout"}}</a></div>
<script nonce="{{.Nonce}}">
(function () {
  var link = document.querySelector('[data-testid="logout"] a');
  fetch(link.getAttribute('data-logout-endpoint'), { credentials: 'include', headers: { Accept: 'application/json' } })
    .then(function (res) { return res.ok ? res.json() : null; })
    .then(function (body) {
      if (!body || !body.logout_url) { return; }
      link.setAttribute('href', body.logout_url);
      link.setAttribute('aria-disabled', 'false');
    });
})();
</script>
{{else}}
<p>{{call .T "welcome.anonymous"}}</p>
<p><a data-testid="login-link" href="{{index .Links "login"}}">{{call .T "login.title"}}</a></p>
<p><a data-testid="registration-link" href="{{index .Links "registration"}}">{{call .T "registration.title"}}</a></p>
{{end}}
{{end}}`

const sessionsTemplate = `{{define "content"}}
<p data-testid="identity-email">{{.Session.Identity.Traits.Email}}</p>
<pre data-testid="session-content">{{.SessionJSON}}</pre>
{{end}}`

const consentTemplate = `{{define "content"}}
<p>{{call .T "consent.message"}}</p>
<p data-testid="identity-email">{{.Session.Identity.Traits.Email}}</p>
<form method="POST" action="{{.Action}}">
<input type="hidden" name="client_id" value="{{.Consent.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.Consent.RedirectURI}}">
<input type="hidden" name="state" value="{{.Consent.State}}">
<input type="hidden" name="code_challenge" value="{{.Consent.Challenge}}">
<input type="hidden" name="code_challenge_method" value="S256">
<button type="submit" name="consent" value="allow" data-testid="consent-allow">{{call .T "consent.allow"}}</button>
<button class="secondary" type="submit" name="consent" value="deny" data-testid="consent-deny">{{call .T "consent.deny"}}</button>
</form>
{{end}}`

const errorTemplate = `{{define "content"}}
<div class="message-error" data-testid="ui/message/error">{{.Error}}</div>
<p><a href="{{index .Links "login"}}">{{call .T "login.title"}}</a></p>
{{end}}`
