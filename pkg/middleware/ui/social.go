package ui

import (
	"net/http"

	"github.com/ideamans/idgate/pkg/middleware/auth/oauth2"
	"github.com/ideamans/idgate/pkg/middleware/flow"
	"github.com/ideamans/idgate/pkg/middleware/session"
)

const valueRedirectURI = "redirect_uri"

const socialFailed = "error.social_failed"

// startSocial hands the login or registration flow f over to provider.
func (h *Handler) startSocial(w http.ResponseWriter, r *http.Request, f *flow.Flow, provider string) {
	ctx := r.Context()
	if _, err := h.opts.OAuth2.GetProvider(provider); err != nil {
		f.AddError(h.t(r, socialFailed))
		h.saveAndRender(w, r, f, http.StatusBadRequest)
		return
	}

	state, err := oauth2.GenerateState()
	if err != nil {
		h.logger.Error("Failed to generate OAuth2 state", "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}

	social, err := h.opts.Flows.Begin(ctx, w, r, flow.TypeSocial, f.ReturnTo)
	if err != nil {
		h.logger.Error("Failed to begin social flow", "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}
	social.Method = flow.MethodOIDC
	social.State = flow.StateSent
	social.Provider = provider
	social.OAuthState = state
	redirectURI := h.url(r, PathOIDCCallback+provider)
	social.SetValue(valueRedirectURI, redirectURI)
	if err := h.opts.Flows.Update(ctx, social); err != nil {
		h.logger.Error("Failed to store social flow", "flow", social.ID, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}

	authURL, err := h.opts.OAuth2.AuthCodeURL(provider, state, redirectURI)
	if err != nil {
		h.logger.Error("Failed to build authorization URL", "provider", provider, "error", err)
		h.renderError(w, r, http.StatusInternalServerError, "error.server")
		return
	}
	if err := h.opts.Flows.Finish(ctx, w, f); err != nil {
		h.logger.Warn("Failed to finish flow", "flow", f.ID, "error", err)
	}
	h.logger.Debug("Redirecting to social provider", "provider", provider, "flow", social.ID)
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// handleOIDCCallback completes a social flow after the provider redirects back.
func (h *Handler) handleOIDCCallback(w http.ResponseWriter, r *http.Request, provider string) {
	ctx := r.Context()
	q := r.URL.Query()

	social, err := h.opts.Flows.Current(ctx, r, flow.TypeSocial)
	if err != nil || social.Provider != provider || social.OAuthState == "" || q.Get("state") != social.OAuthState {
		h.logger.Warn("Social callback without a matching flow", "provider", provider)
		msg := socialFailed
		h.beginFlow(w, r, flow.TypeLogin, "", &msg)
		return
	}
	returnTo := social.ReturnTo
	fail := func() {
		if err := h.opts.Flows.Finish(ctx, w, social); err != nil {
			h.logger.Warn("Failed to finish social flow", "flow", social.ID, "error", err)
		}
		msg := socialFailed
		h.beginFlow(w, r, flow.TypeLogin, returnTo, &msg)
	}

	if e := q.Get("error"); e != "" {
		h.logger.Info("Social provider returned an error", "provider", provider, "error", e)
		fail()
		return
	}

	tok, err := h.opts.OAuth2.Exchange(ctx, provider, q.Get("code"), social.Value(valueRedirectURI))
	if err != nil {
		h.logger.Warn("Social code exchange failed", "provider", provider, "error", err)
		fail()
		return
	}
	info, err := h.opts.OAuth2.UserInfo(ctx, provider, tok)
	if err != nil {
		h.logger.Warn("Social user info failed", "provider", provider, "error", err)
		fail()
		return
	}

	ident, err := h.opts.Provider.FindOrCreateBySocial(ctx, provider, info.Subject, session.Traits{Email: info.Email, Name: info.Name}, info.EmailVerified)
	if err != nil {
		h.logger.Warn("Social identity lookup failed", "provider", provider, "error", err)
		fail()
		return
	}

	h.completeFlow(w, r, social, ident, session.AuthenticationMethod{Method: string(flow.MethodOIDC), Provider: provider})
}
