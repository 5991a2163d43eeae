// Package client talks to a running tunnelpanel daemon over its HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:7878/api"

// Client provides HTTP client functionality to communicate with the tunnelpanel daemon
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; it carries the event stream.
	stream *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds ordinary requests. Restarts can take a while, so keep it
	// above the daemon's worst case or use a context instead.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// CACert trusts an extra CA when the daemon sits behind a TLS proxy.
	CACert   string
	Insecure bool // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 60 * time.Second,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return "API error: " + e.Message
}

// New creates a new tunnelpanel API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- opt-in flag
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Status returns the tunnel state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/tunnel/status", nil, &st)
	return st, err
}

// Start launches the tunnel. An empty name uses the daemon's default.
func (c *Client) Start(ctx context.Context, name string) (int, error) {
	var resp StartResponse
	if err := c.do(ctx, http.MethodPost, "/tunnel/start", map[string]string{"name": name}, &resp); err != nil {
		return 0, err
	}
	c.logger.Debug("Tunnel started", "pid", resp.PID)
	return resp.PID, nil
}

// Stop terminates the tunnel. Stopping a stopped tunnel succeeds.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/tunnel/stop", nil, nil)
}

// Restart stops the tunnel and relaunches it with retries.
func (c *Client) Restart(ctx context.Context, req RestartRequest) (RestartResponse, error) {
	body := map[string]any{
		"name":           req.Name,
		"max_retries":    req.MaxRetries,
		"retry_delay_ms": req.RetryDelay.Milliseconds(),
	}
	var resp RestartResponse
	err := c.do(ctx, http.MethodPost, "/tunnel/restart", body, &resp)
	return resp, err
}

// Tunnels lists the tunnels of the logged-in account.
func (c *Client) Tunnels(ctx context.Context) ([]Tunnel, error) {
	var resp struct {
		Tunnels []Tunnel `json:"tunnels"`
	}
	err := c.do(ctx, http.MethodGet, "/tunnels", nil, &resp)
	return resp.Tunnels, err
}

// Config returns config.yml.
func (c *Client) Config(ctx context.Context) (ConfigDocument, error) {
	var doc ConfigDocument
	err := c.do(ctx, http.MethodGet, "/config", nil, &doc)
	return doc, err
}

// SaveRawConfig replaces config.yml with raw YAML.
func (c *Client) SaveRawConfig(ctx context.Context, raw string) (SaveResponse, error) {
	var resp SaveResponse
	err := c.do(ctx, http.MethodPut, "/config", map[string]string{"raw": raw}, &resp)
	return resp, err
}

// Ingress lists the proxy items; probe adds local port and DNS state.
func (c *Client) Ingress(ctx context.Context, probe bool) ([]IngressItem, error) {
	var items []IngressItem
	err := c.do(ctx, http.MethodGet, "/ingress?probe="+strconv.FormatBool(probe), nil, &items)
	return items, err
}

// SaveIngress rewrites the ingress rules.
func (c *Client) SaveIngress(ctx context.Context, items []IngressItem) (SaveResponse, error) {
	var resp SaveResponse
	err := c.do(ctx, http.MethodPut, "/ingress", items, &resp)
	return resp, err
}

// RouteDNS creates the CNAME for a hostname. A failed route is returned as a
// result with Success false, not as an error.
func (c *Client) RouteDNS(ctx context.Context, req RouteRequest) (RouteResult, error) {
	var res RouteResult
	err := c.do(ctx, http.MethodPost, "/dns/route", req, &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadGateway && res.Status != "" {
		return res, nil
	}
	return res, err
}

// CheckDNS resolves hostname on the daemon's host.
func (c *Client) CheckDNS(ctx context.Context, hostname string) (DNSResult, error) {
	var res DNSResult
	err := c.do(ctx, http.MethodGet, "/dns/check?hostname="+url.QueryEscape(hostname), nil, &res)
	return res, err
}

// CheckPort dials host:port from the daemon.
func (c *Client) CheckPort(ctx context.Context, host string, port int) (bool, error) {
	var res struct {
		Reachable bool `json:"reachable"`
	}
	q := url.Values{"host": {host}, "port": {strconv.Itoa(port)}}
	err := c.do(ctx, http.MethodGet, "/port/check?"+q.Encode(), nil, &res)
	return res.Reachable, err
}

// Listening reports which process listens on port.
func (c *Client) Listening(ctx context.Context, port int) (Listener, error) {
	var l Listener
	err := c.do(ctx, http.MethodGet, "/port/listening?port="+strconv.Itoa(port), nil, &l)
	return l, err
}

// Auth reports installation and login state.
func (c *Client) Auth(ctx context.Context) (AuthStatus, error) {
	var st AuthStatus
	err := c.do(ctx, http.MethodGet, "/auth", nil, &st)
	return st, err
}

// History returns up to limit recent lifecycle events.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	var events []HistoryEvent
	err := c.do(ctx, http.MethodGet, "/history?limit="+strconv.Itoa(limit), nil, &events)
	return events, err
}

// Follow streams tunnel events to fn until ctx is done, the daemon closes the
// stream, or fn returns an error.
func (c *Client) Follow(ctx context.Context, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tunnel/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp, nil)
	}
	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readEvents parses the text/event-stream framing: data lines accumulate
// until a blank line dispatches the event. Comment lines are skipped.
func readEvents(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &e); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data = data[:0]
			if err := fn(e); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

// do sends body as JSON and decodes the answer into out. On an error status
// the body is decoded into out as well when possible.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp, out)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response, out any) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if out != nil {
		_ = json.Unmarshal(b, out)
	}
	var er ErrorResponse
	if err := json.Unmarshal(b, &er); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
