package cliauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/middleware/token"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
)

// DefaultClientID is the client id the proxy accepts from the CLI.
const DefaultClientID = "idgate-cli"

// SuccessMarker starts the line printed after the credential is written.
const SuccessMarker = "Successfully logged in"

var (
	ErrAccessDenied  = errors.New("cliauth: access was denied in the browser")
	ErrStateMismatch = errors.New("cliauth: callback state does not match")
)

// Options configures Login.
type Options struct {
	Env Env

	ClientID  string
	NoBrowser bool

	// Output receives the instructions and the success line.
	Output io.Writer

	// OpenURL defaults to browser.OpenURL.
	OpenURL func(url string) error

	HTTPClient *http.Client
	Logger     logging.Logger
}

type callbackResult struct {
	token *oauth2.Token
	err   error
}

// Login runs the browser sign-in and writes the credential file.
func Login(ctx context.Context, opts Options) (*Credentials, error) {
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.OpenURL == nil {
		opts.OpenURL = browser.OpenURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewSimpleLoggerWithWriter("cliauth", logging.LevelError, false, io.Discard)
	}
	logger := opts.Logger.WithModule("cliauth")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("cliauth: failed to listen for the callback: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID: opts.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   opts.Env.ConsoleURL + "/oauth2/auth",
			TokenURL:  opts.Env.APIURL + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: fmt.Sprintf("http://%s/callback", ln.Addr().String()),
	}
	state, err := randomState()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)

	results := make(chan callbackResult, 1)
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		res := handleCallback(exchangeCtx, cfg, r, state, verifier)
		renderCallback(w, res.err)
		once.Do(func() { results <- res })
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Debug("Callback listener stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	fmt.Fprintf(opts.Output, "Open the following URL in your browser to sign in:\n\n%s\n\n", authURL)
	if !opts.NoBrowser {
		if err := opts.OpenURL(authURL); err != nil {
			logger.Debug("Could not open a browser", "error", err)
		}
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	s, err := whoami(ctx, opts.HTTPClient, opts.Env.APIURL, res.token.AccessToken)
	if err != nil {
		return nil, err
	}
	creds := &Credentials{
		Version:      CredentialsVersion,
		SessionToken: res.token.AccessToken,
		Identity: CredentialIdentity{
			ID:    s.Identity.ID,
			Email: s.Identity.Traits.Email,
			Name:  s.Identity.Traits.Name,
		},
		APIURL: opts.Env.APIURL,
	}
	if err := WriteCredentials(opts.Env.ConfigPath, creds); err != nil {
		return nil, err
	}
	fmt.Fprintf(opts.Output, "%s as %s.\n", SuccessMarker, creds.Identity.Email)
	logger.Info("Credentials written", "path", opts.Env.ConfigPath, "email", logging.MaskEmail(creds.Identity.Email))
	return creds, nil
}

func handleCallback(ctx context.Context, cfg *oauth2.Config, r *http.Request, state, verifier string) callbackResult {
	q := r.URL.Query()
	if q.Get("state") != state {
		return callbackResult{err: ErrStateMismatch}
	}
	if e := q.Get("error"); e != "" {
		if e == "access_denied" {
			return callbackResult{err: ErrAccessDenied}
		}
		return callbackResult{err: fmt.Errorf("cliauth: authorization failed: %s", e)}
	}
	tok, err := cfg.Exchange(ctx, q.Get("code"), oauth2.VerifierOption(verifier))
	if err != nil {
		return callbackResult{err: fmt.Errorf("cliauth: code exchange failed: %w", err)}
	}
	return callbackResult{token: tok}
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><meta charset="UTF-8"><title>idgate</title></head>
<body>{{if .}}<p>Sign-in failed: {{.}}</p>{{else}}<p>You are signed in. You can close this window.</p>{{end}}</body></html>`))

func renderCallback(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	msg := ""
	if err != nil {
		msg = err.Error()
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = callbackPage.Execute(w, msg)
}

func whoami(ctx context.Context, client *http.Client, apiURL, sessionToken string) (*session.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/sessions/whoami", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(token.SessionTokenHeader, sessionToken)
	req.Header.Set("Accept", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cliauth: whoami failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cliauth: whoami returned %d", res.StatusCode)
	}
	var s session.Session
	if err := json.NewDecoder(res.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("cliauth: malformed whoami response: %w", err)
	}
	return &s, nil
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// LoginAndWait runs Login and then stays alive until ctx ends. The process
// that started the command decides when it stops.
func LoginAndWait(ctx context.Context, opts Options) (*Credentials, error) {
	creds, err := Login(ctx, opts)
	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return creds, nil
}
