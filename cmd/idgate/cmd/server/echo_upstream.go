package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ideamans/idgate/pkg/shared/logging"
)

// EchoUpstream is a development upstream that answers every request with
// what it received, including the Authorization header set by the proxy.
type EchoUpstream struct {
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
}

// echoResponse is the JSON body of every echo reply.
type echoResponse struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query,omitempty"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
}

// NewEchoUpstream starts an echo server on a free loopback port.
func NewEchoUpstream(logger logging.Logger) (*EchoUpstream, error) {
	if logger == nil {
		logger = logging.NewSimpleLogger("echo-upstream", logging.LevelInfo, true)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start echo upstream: %w", err)
	}

	d := &EchoUpstream{
		server:   &http.Server{Handler: http.HandlerFunc(echo), ReadHeaderTimeout: 10 * time.Second},
		listener: listener,
		logger:   logger,
	}
	go func() {
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Warn("Echo upstream server error", "error", err)
		}
	}()

	logger.Info("Echo upstream server started", "addr", d.URL())
	return d, nil
}

func echo(w http.ResponseWriter, r *http.Request) {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(echoResponse{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Host:    r.Host,
		Headers: headers,
	})
}

// URL returns the base URL of the echo server.
func (d *EchoUpstream) URL() string {
	return fmt.Sprintf("http://%s", d.listener.Addr().String())
}

// Stop shuts the server down, forcing the listener closed after a short timeout.
func (d *EchoUpstream) Stop() {
	if d == nil || d.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn("Force closing echo upstream server", "error", err)
		_ = d.server.Close()
		return
	}
	d.logger.Info("Echo upstream server stopped")
}
