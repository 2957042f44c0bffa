package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/kvs"
)

// LogoutTicketTTL bounds how long a logout link stays valid.
const LogoutTicketTTL = 10 * time.Minute

type logoutTicket struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) handleWelcome(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	data := h.page(r, "welcome.title")
	data.Session = s
	data.Links = map[string]string{
		"login":         h.url(r, PathLoginBrowser),
		"registration":  h.url(r, PathRegBrowser),
		"sessions":      h.url(r, PathSessions),
		"logoutBrowser": h.url(r, PathLogoutBrowser),
	}
	h.render(w, r, "welcome", data, http.StatusOK)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil {
		h.redirectToLogin(w, r)
		return
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}
	data := h.page(r, "sessions.title")
	data.Session = s
	data.SessionJSON = string(body)
	h.render(w, r, "sessions", data, http.StatusOK)
}

// redirectToLogin sends the browser to a new login flow that returns here.
func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := h.url(r, PathLoginBrowser) + "?return_to=" + url.QueryEscape(h.requestURL(r))
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleLogoutBrowser issues a one-time logout URL for the current session.
func (h *Handler) handleLogoutBrowser(w http.ResponseWriter, r *http.Request) {
	s := h.currentSession(r)
	if s == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "No active session.")
		return
	}
	tok, err := randomToken(32)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	ticket, _ := json.Marshal(logoutTicket{SessionID: s.ID})
	if err := h.opts.Tickets.Set(r.Context(), logoutTicketPrefix+tok, ticket, LogoutTicketTTL); err != nil {
		h.logger.Error("Failed to store logout ticket", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	logoutURL := h.url(r, PathLogout) + "?token=" + url.QueryEscape(tok)
	if rt := r.URL.Query().Get("return_to"); rt != "" {
		logoutURL += "&return_to=" + url.QueryEscape(rt)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"logout_token": tok,
		"logout_url":   logoutURL,
	})
}

// handleLogout revokes the session named by a logout ticket.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok := r.URL.Query().Get("token")
	s := h.currentSession(r)
	if tok == "" || s == nil || !h.consumeLogoutTicket(ctx, tok, s.ID) {
		h.renderError(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	if err := h.opts.Provider.Revoke(ctx, s.Token); err != nil {
		h.logger.Error("Failed to revoke session", "session", s.ID, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}
	h.clearSessionCookie(w)
	h.logger.Info("Session revoked", "session", s.ID, "identity", s.Identity.ID)

	target := h.safeReturnTo(r, r.URL.Query().Get("return_to"))
	if target == "" {
		target = h.url(r, PathLoginBrowser)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) consumeLogoutTicket(ctx context.Context, tok, sessionID string) bool {
	key := logoutTicketPrefix + tok
	raw, err := h.opts.Tickets.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvs.ErrNotFound) {
			h.logger.Warn("Failed to load logout ticket", "error", err)
		}
		return false
	}
	var t logoutTicket
	if err := json.Unmarshal(raw, &t); err != nil || t.SessionID != sessionID {
		return false
	}
	_ = h.opts.Tickets.Delete(ctx, key)
	return true
}

// handleWhoami returns the session behind a cookie, X-Session-Token or a
// bearer session token.
func (h *Handler) handleWhoami(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	s := h.currentSession(r)
	if s == nil {
		if bearer := bearerToken(r); bearer != "" {
			if found, err := h.opts.Provider.Whoami(r.Context(), bearer); err == nil {
				s = found
			} else if !errors.Is(err, session.ErrSessionNotFound) {
				h.logger.Warn("Session lookup failed", "error", err)
			}
		}
	}
	if s == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "No valid session credentials found in the request.")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}
