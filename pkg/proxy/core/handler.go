// Package proxy forwards requests to the upstream application.
package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ideamans/idgate/pkg/shared/logging"
)

// Handler is a reverse proxy to one upstream.
type Handler struct {
	upstream *url.URL
	proxy    *httputil.ReverseProxy
	logger   logging.Logger
}

// NewHandler creates a handler for upstreamConfig.
func NewHandler(upstreamConfig UpstreamConfig, opts Options, logger logging.Logger) (*Handler, error) {
	upstream, err := url.Parse(upstreamConfig.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host are required", upstreamConfig.URL)
	}

	h := &Handler{
		upstream: upstream,
		logger:   logger.WithModule("proxy"),
	}
	h.proxy = h.createReverseProxy(upstreamConfig.Secret, opts)
	return h, nil
}

// Upstream returns the upstream URL.
func (h *Handler) Upstream() *url.URL {
	return h.upstream
}

func (h *Handler) createReverseProxy(secret SecretConfig, opts Options) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(h.upstream)
	originalDirector := proxy.Director

	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		if secret.Header != "" && secret.Value != "" {
			req.Header.Set(secret.Header, secret.Value)
		}

		if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			if req.Header.Get("X-Real-IP") == "" {
				req.Header.Set("X-Real-IP", clientIP)
			}
		}
		// X-Forwarded-For is appended by ReverseProxy after the director runs

		if req.Header.Get("X-Forwarded-Proto") == "" {
			proto := "http"
			if req.TLS != nil {
				proto = "https"
			}
			req.Header.Set("X-Forwarded-Proto", proto)
		}
		if req.Header.Get("X-Forwarded-Host") == "" {
			req.Header.Set("X-Forwarded-Host", req.Host)
		}

		if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
			req.Header.Set("Connection", "Upgrade")
			req.Header.Set("Upgrade", "websocket")
		}

		if opts.Direct != nil {
			opts.Direct(req)
		}
	}

	if opts.DefaultRedirectURL != "" && opts.WelcomePath != "" {
		proxy.ModifyResponse = func(resp *http.Response) error {
			rewriteWelcomeRedirect(resp, opts.WelcomePath, opts.DefaultRedirectURL)
			return nil
		}
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.logger.Error("Upstream request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	// flush periodically so SSE and streamed downloads reach the browser
	proxy.FlushInterval = 100 * time.Millisecond
	proxy.BufferPool = newBufferPool()

	return proxy
}

// rewriteWelcomeRedirect points a redirect to the welcome page at target.
func rewriteWelcomeRedirect(resp *http.Response, welcomePath, target string) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return
	}
	u, err := url.Parse(loc)
	if err != nil || strings.TrimSuffix(u.Path, "/") != strings.TrimSuffix(welcomePath, "/") {
		return
	}
	resp.Header.Set("Location", target)
}

// bufferPool reuses 32KB copy buffers.
type bufferPool struct {
	pool *sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: &sync.Pool{
			New: func() interface{} {
				b := make([]byte, 32*1024)
				return &b
			},
		},
	}
}

func (bp *bufferPool) Get() []byte {
	return *bp.pool.Get().(*[]byte)
}

func (bp *bufferPool) Put(b []byte) {
	if cap(b) != 32*1024 {
		return
	}
	b = b[:cap(b)]
	bp.pool.Put(&b)
}

// ServeHTTP forwards r upstream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.proxy.ServeHTTP(w, r)
}
