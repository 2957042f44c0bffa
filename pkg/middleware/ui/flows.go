package ui

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ideamans/idgate/pkg/middleware/flow"
	"github.com/ideamans/idgate/pkg/middleware/identity"
	"github.com/ideamans/idgate/pkg/middleware/ratelimit"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// pagePath maps a flow type to its UI page.
func pagePath(t flow.Type) string {
	if t == flow.TypeRegistration {
		return PathRegistration
	}
	return PathLogin
}

// beginFlow starts a new flow bound to this browser and redirects to its page.
func (h *Handler) beginFlow(w http.ResponseWriter, r *http.Request, t flow.Type, returnTo string, errKey *string) {
	if h.currentSession(r) != nil {
		http.Redirect(w, r, h.afterFlowURL(r, returnTo), http.StatusSeeOther)
		return
	}
	f, err := h.opts.Flows.Begin(r.Context(), w, r, t, h.safeReturnTo(r, returnTo))
	if err != nil {
		h.logger.Error("Failed to begin flow", "type", t, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}
	if errKey != nil {
		f.AddError(h.t(r, *errKey))
		if err := h.opts.Flows.Update(r.Context(), f); err != nil {
			h.logger.Warn("Failed to store flow message", "flow", f.ID, "error", err)
		}
	}
	http.Redirect(w, r, h.url(r, pagePath(t))+"?flow="+url.QueryEscape(f.ID), http.StatusSeeOther)
}

// handleFlowPage renders or submits a registration or login flow.
func (h *Handler) handleFlowPage(w http.ResponseWriter, r *http.Request, t flow.Type) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Method != http.MethodPost && h.currentSession(r) != nil {
		http.Redirect(w, r, h.afterFlowURL(r, r.URL.Query().Get("return_to")), http.StatusSeeOther)
		return
	}

	id := r.URL.Query().Get("flow")
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			h.renderError(w, r, http.StatusBadRequest, "error.bad_request")
			return
		}
		if v := r.PostForm.Get("flow"); v != "" {
			id = v
		}
	}

	f, err := h.opts.Flows.Resume(r.Context(), r, t, id)
	if err != nil {
		if !errors.Is(err, flow.ErrFlowNotFound) && !errors.Is(err, flow.ErrFlowExpired) {
			h.logger.Warn("Failed to load flow", "flow", id, "error", err)
		}
		h.beginFlow(w, r, t, r.URL.Query().Get("return_to"), nil)
		return
	}

	if r.Method != http.MethodPost {
		h.renderFlow(w, r, f, http.StatusOK)
		return
	}

	method := flow.Method(r.PostForm.Get("method"))
	switch {
	case method == flow.MethodOIDC || (method == "" && r.PostForm.Get("provider") != ""):
		h.startSocial(w, r, f, r.PostForm.Get("provider"))
	case t == flow.TypeRegistration:
		h.submitRegistration(w, r, f)
	default:
		h.submitLogin(w, r, f)
	}
}

func (h *Handler) submitRegistration(w http.ResponseWriter, r *http.Request, f *flow.Flow) {
	email := strings.TrimSpace(r.PostForm.Get("traits.email"))
	password := r.PostForm.Get("password")
	name := strings.TrimSpace(r.PostForm.Get("traits.name"))
	f.Method = flow.MethodPassword
	f.SetValue("traits.email", email)
	f.SetValue("traits.name", name)

	ident, err := h.opts.Provider.Register(r.Context(), session.Traits{Email: email, Name: name}, password)
	if err != nil {
		h.failFlow(w, r, f, err)
		return
	}
	h.logger.Info("Identity registered", "identity", ident.ID, "email", logging.MaskEmail(ident.Traits.Email))
	h.completeFlow(w, r, f, ident, session.AuthenticationMethod{Method: string(flow.MethodPassword)})
}

func (h *Handler) submitLogin(w http.ResponseWriter, r *http.Request, f *flow.Flow) {
	identifier := strings.TrimSpace(r.PostForm.Get("identifier"))
	password := r.PostForm.Get("password")
	f.Method = flow.MethodPassword
	f.SetValue("identifier", identifier)

	key := ratelimit.Key(identifier)
	if h.opts.Limiter != nil && !h.opts.Limiter.Allow(r.Context(), key) {
		h.logger.Warn("Login rate limited", "identifier", logging.MaskEmail(identifier))
		f.AddError(h.t(r, "error.rate_limited"))
		h.saveAndRender(w, r, f, http.StatusTooManyRequests)
		return
	}

	ident, err := h.opts.Provider.Authenticate(r.Context(), identifier, password)
	if err != nil {
		h.failFlow(w, r, f, err)
		return
	}
	if h.opts.Limiter != nil {
		h.opts.Limiter.Reset(r.Context(), key)
	}
	h.completeFlow(w, r, f, ident, session.AuthenticationMethod{Method: string(flow.MethodPassword)})
}

// failFlow re-renders f with the message for err.
func (h *Handler) failFlow(w http.ResponseWriter, r *http.Request, f *flow.Flow, err error) {
	key := ""
	switch {
	case errors.Is(err, identity.ErrDuplicateEmail):
		key = "error.duplicate_email"
	case errors.Is(err, identity.ErrWeakPassword):
		key = "error.weak_password"
	case errors.Is(err, identity.ErrInvalidEmail):
		key = "error.invalid_email"
	case errors.Is(err, identity.ErrInvalidCredentials):
		key = "error.invalid_credentials"
	default:
		h.logger.Error("Flow submission failed", "flow", f.ID, "type", f.Type, "error", err)
		f.AddError(h.t(r, "error.server"))
		h.saveAndRender(w, r, f, http.StatusInternalServerError)
		return
	}
	f.AddError(h.t(r, key))
	h.saveAndRender(w, r, f, http.StatusBadRequest)
}

func (h *Handler) saveAndRender(w http.ResponseWriter, r *http.Request, f *flow.Flow, status int) {
	if err := h.opts.Flows.Update(r.Context(), f); err != nil {
		h.logger.Warn("Failed to update flow", "flow", f.ID, "error", err)
	}
	h.renderFlow(w, r, f, status)
}

// completeFlow issues a session for ident, finishes f and redirects onward.
// Any session the browser already holds is revoked first.
func (h *Handler) completeFlow(w http.ResponseWriter, r *http.Request, f *flow.Flow, ident *session.Identity, method session.AuthenticationMethod) {
	ctx := r.Context()
	if old := h.currentSession(r); old != nil {
		if err := h.opts.Provider.Revoke(ctx, old.Token); err != nil {
			h.logger.Warn("Failed to revoke previous session", "session", old.ID, "error", err)
		}
	}

	s, err := h.opts.Provider.IssueSession(ctx, ident, method)
	if err != nil {
		h.logger.Error("Failed to issue session", "identity", ident.ID, "error", err)
		if f.Type == flow.TypeSocial {
			_ = h.opts.Flows.Finish(ctx, w, f)
			h.renderError(w, r, http.StatusInternalServerError, "error.server")
			return
		}
		f.AddError(h.t(r, "error.server"))
		h.saveAndRender(w, r, f, http.StatusInternalServerError)
		return
	}
	h.setSessionCookie(w, s)
	if err := h.opts.Flows.Finish(ctx, w, f); err != nil {
		h.logger.Warn("Failed to finish flow", "flow", f.ID, "error", err)
	}
	h.logger.Info("Session issued",
		"session", s.ID,
		"identity", ident.ID,
		"method", method.Method,
		"provider", method.Provider)
	http.Redirect(w, r, h.afterFlowURL(r, f.ReturnTo), http.StatusSeeOther)
}
