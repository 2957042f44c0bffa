package ui

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/kvs"
)

// CodeTTL bounds how long a command line authorization code can be redeemed.
const CodeTTL = 5 * time.Minute

type authorizationCode struct {
	SessionID   string           `json:"session_id"`
	Identity    session.Identity `json:"identity"`
	Challenge   string           `json:"challenge"`
	RedirectURI string           `json:"redirect_uri"`
	ClientID    string           `json:"client_id"`
}

type authRequest struct {
	ClientID    string
	RedirectURI string
	State       string
	Challenge   string
}

// parseAuthRequest validates an authorization request from the command line
// client. Only loopback redirect URIs with PKCE S256 are accepted.
func (h *Handler) parseAuthRequest(v url.Values) (*authRequest, bool) {
	req := &authRequest{
		ClientID:    v.Get("client_id"),
		RedirectURI: v.Get("redirect_uri"),
		State:       v.Get("state"),
		Challenge:   v.Get("code_challenge"),
	}
	if req.ClientID != h.opts.CLIClientID || req.State == "" || req.Challenge == "" {
		return nil, false
	}
	if v.Get("code_challenge_method") != "S256" {
		return nil, false
	}
	if v.Get("response_type") != "" && v.Get("response_type") != "code" {
		return nil, false
	}
	if !isLoopbackRedirect(req.RedirectURI) {
		return nil, false
	}
	return req, true
}

func isLoopbackRedirect(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" || u.User != nil || u.Fragment != "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleOAuth2Auth shows the consent page and issues authorization codes.
func (h *Handler) handleOAuth2Auth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		h.renderError(w, r, http.StatusMethodNotAllowed, "error.bad_request")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderError(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	req, ok := h.parseAuthRequest(r.Form)
	if !ok {
		h.renderError(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}

	s := h.currentSession(r)
	if s == nil {
		if r.Method == http.MethodPost {
			h.renderError(w, r, http.StatusUnauthorized, "error.bad_request")
			return
		}
		h.redirectToLogin(w, r)
		return
	}

	if r.Method == http.MethodGet {
		data := h.page(r, "consent.title")
		data.Session = s
		data.Consent = req
		data.Action = h.url(r, PathOAuth2Auth)
		h.render(w, r, "consent", data, http.StatusOK)
		return
	}

	target, _ := url.Parse(req.RedirectURI)
	q := target.Query()
	q.Set("state", req.State)
	if r.PostForm.Get("consent") != "allow" {
		q.Set("error", "access_denied")
		target.RawQuery = q.Encode()
		h.logger.Info("Command line access denied", "identity", s.Identity.ID)
		http.Redirect(w, r, target.String(), http.StatusSeeOther)
		return
	}

	code, err := randomToken(32)
	if err != nil {
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}
	record, _ := json.Marshal(authorizationCode{
		SessionID:   s.ID,
		Identity:    s.Identity,
		Challenge:   req.Challenge,
		RedirectURI: req.RedirectURI,
		ClientID:    req.ClientID,
	})
	if err := h.opts.Tickets.Set(r.Context(), cliCodePrefix+code, record, CodeTTL); err != nil {
		h.logger.Error("Failed to store authorization code", "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}
	q.Set("code", code)
	target.RawQuery = q.Encode()
	h.logger.Info("Command line access granted", "identity", s.Identity.ID)
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

// handleOAuth2Token redeems an authorization code for a new session token.
func (h *Handler) handleOAuth2Token(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeJSONError(w, http.StatusMethodNotAllowed, "invalid_request", "")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		if id, _, ok := r.BasicAuth(); ok {
			clientID = id
		}
	}

	ctx := r.Context()
	key := cliCodePrefix + r.PostForm.Get("code")
	raw, err := h.opts.Tickets.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvs.ErrNotFound) {
			h.logger.Error("Failed to load authorization code", "error", err)
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "The authorization code is invalid or expired.")
		return
	}
	_ = h.opts.Tickets.Delete(ctx, key)

	var code authorizationCode
	if err := json.Unmarshal(raw, &code); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}
	if code.ClientID != clientID || code.RedirectURI != r.PostForm.Get("redirect_uri") {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "The client or redirect URI does not match.")
		return
	}
	if !verifyChallenge(code.Challenge, r.PostForm.Get("code_verifier")) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "The code verifier does not match.")
		return
	}

	s, err := h.opts.Provider.IssueSession(ctx, &code.Identity, session.AuthenticationMethod{Method: "cli"})
	if err != nil {
		h.logger.Error("Failed to issue command line session", "identity", code.Identity.ID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	h.logger.Info("Command line session issued", "session", s.ID, "identity", code.Identity.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": s.Token,
		"token_type":   "bearer",
		"expires_in":   int64(time.Until(s.ExpiresAt).Seconds()),
	})
}

func verifyChallenge(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.TrimRight(challenge, "="))) == 1
}
