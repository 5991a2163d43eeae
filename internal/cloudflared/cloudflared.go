// Package cloudflared wraps the one-shot cloudflared subcommands the panel
// needs besides the long-running tunnel: listing tunnels, login and DNS
// routing.
package cloudflared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/tunnelpanel/internal/tunnelcfg"
)

const DefaultBinary = "cloudflared"

// ErrDeleteUnsupported is returned by DeleteDNS. cloudflared has no command to
// remove a DNS route; it has to be deleted in the Cloudflare dashboard.
var ErrDeleteUnsupported = errors.New("DNS record deletion requires manual action in Cloudflare Dashboard")

// Client runs cloudflared subcommands.
type Client struct {
	Binary string
	// Dir holds cert.pem; ~/.cloudflared when empty.
	Dir    string
	Runner Runner
}

// New returns a client for binary using the real os/exec runner.
func New(binary string) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{Binary: binary, Runner: ExecRunner{}}
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	r := c.Runner
	if r == nil {
		r = ExecRunner{}
	}
	bin := c.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	return r.Run(ctx, bin, args...)
}

func (c *Client) dir() (string, error) {
	if c.Dir != "" {
		return c.Dir, nil
	}
	return tunnelcfg.DefaultDir()
}

// Installation reports whether the binary can be found.
type Installation struct {
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

// Check looks the binary up on PATH.
func (c *Client) Check() Installation {
	bin := c.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	p, err := exec.LookPath(bin)
	if err != nil {
		return Installation{}
	}
	return Installation{Installed: true, Path: p}
}

// Connection is one edge connection reported by tunnel list.
type Connection struct {
	ColoName string `json:"colo_name"`
	ID       string `json:"id"`
	OriginIP string `json:"origin_ip,omitempty"`
}

// Tunnel is one entry of `cloudflared tunnel list --output json`.
type Tunnel struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	CreatedAt   time.Time    `json:"created_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	Connections []Connection `json:"connections"`
}

// ListTunnels returns the tunnels visible to the logged-in account.
func (c *Client) ListTunnels(ctx context.Context) ([]Tunnel, error) {
	stdout, stderr, err := c.run(ctx, "tunnel", "list", "--output", "json")
	if err != nil {
		return nil, commandError(err, stderr)
	}
	var tunnels []Tunnel
	if err := json.Unmarshal(stdout, &tunnels); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel list: %w", err)
	}
	if tunnels == nil {
		tunnels = []Tunnel{}
	}
	return tunnels, nil
}

// Login runs the interactive browser login and returns its output.
func (c *Client) Login(ctx context.Context) (string, error) {
	stdout, stderr, err := c.run(ctx, "tunnel", "login")
	if err != nil {
		return "", commandError(err, stderr)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// AuthStatus is the origin certificate state.
type AuthStatus struct {
	LoggedIn bool   `json:"loggedIn"`
	CertPath string `json:"certPath"`
}

// AuthStatus reports whether cert.pem exists.
func (c *Client) AuthStatus() (AuthStatus, error) {
	dir, err := c.dir()
	if err != nil {
		return AuthStatus{}, err
	}
	p := filepath.Join(dir, tunnelcfg.CertName)
	_, err = os.Stat(p)
	return AuthStatus{LoggedIn: err == nil, CertPath: p}, nil
}

// Logout removes cert.pem. Removing a missing certificate is not an error.
func (c *Client) Logout() error {
	dir, err := c.dir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, tunnelcfg.CertName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Route states.
const (
	RouteConfigured = "configured"
	RouteError      = "error"
)

// RouteResult is the outcome of RouteDNS.
type RouteResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	AlreadyExists bool   `json:"alreadyExists"`
	Status        string `json:"status"`
}

const (
	alreadyRouted = "is already configured to route to your tunnel"
	addedCNAME    = "Added CNAME"
	routesToThis  = "which will route to this tunnel"
)

// RouteDNS creates a CNAME for hostname pointing at the tunnel. With overwrite
// an existing record is replaced (-f). The outcome is decided from the
// command's log output since cloudflared exits 0 in several distinct cases.
func (c *Client) RouteDNS(ctx context.Context, tunnelID, hostname string, overwrite bool) RouteResult {
	args := []string{"tunnel", "route", "dns"}
	if overwrite {
		args = append(args, "-f")
	}
	args = append(args, tunnelID, hostname)
	stdout, stderr, err := c.run(ctx, args...)

	// cloudflared logs to stderr.
	output := string(stderr)
	if output == "" {
		output = string(stdout)
	}
	switch {
	case strings.Contains(output, alreadyRouted):
		return RouteResult{Success: true, Message: "DNS record already configured", AlreadyExists: true, Status: RouteConfigured}
	case strings.Contains(output, addedCNAME) && strings.Contains(output, routesToThis):
		return RouteResult{Success: true, Message: "DNS CNAME record added successfully", Status: RouteConfigured}
	case err != nil:
		msg := strings.TrimSpace(output)
		if msg == "" {
			msg = err.Error()
		}
		return RouteResult{Error: msg, Status: RouteError}
	}
	msg := strings.TrimSpace(output)
	if msg == "" {
		msg = "DNS route configured"
	}
	return RouteResult{Success: true, Message: msg, Status: RouteConfigured}
}

// DeleteDNS always fails with ErrDeleteUnsupported.
func (c *Client) DeleteDNS(_ context.Context, _ string) error {
	return ErrDeleteUnsupported
}

func commandError(err error, stderr []byte) error {
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return errors.New(msg)
	}
	return err
}
