// Package testserver is an application that sits behind the proxy and
// trusts only the bearer token it receives.
package testserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ideamans/idgate/pkg/verifier"
)

// TokenVerifier checks an Authorization header.
type TokenVerifier interface {
	VerifyHeader(ctx context.Context, header string) (*verifier.Claims, error)
}

// Response is the JSON body of every reply.
type Response struct {
	Authenticated bool   `json:"authenticated"`
	Subject       string `json:"subject,omitempty"`
	Email         string `json:"email,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Handler serves /health and answers everything else with the caller's claims.
func Handler(v TokenVerifier) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var resp Response
		header := r.Header.Get("Authorization")
		if header != "" {
			claims, err := v.VerifyHeader(r.Context(), header)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Authenticated = true
				resp.Subject = claims.Subject
				resp.Email = claims.Email
				resp.SessionID = claims.SessionID
				resp.Issuer = claims.Issuer
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}
