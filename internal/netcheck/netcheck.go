// Package netcheck probes the local services and DNS records behind the
// tunnel's ingress rules.
package netcheck

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/tunnelpanel/internal/tunnelcfg"
)

const (
	DefaultDialTimeout = time.Second
	DefaultDNSTimeout  = 3 * time.Second
)

// Resolver is the subset of *net.Resolver used by CheckDNS.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Checker holds the probes. The zero value uses the system resolver and the
// live socket table.
type Checker struct {
	DialTimeout time.Duration
	DNSTimeout  time.Duration
	Resolver    Resolver
	// Connections lists inet sockets; gopsutil when nil.
	Connections func(ctx context.Context) ([]psnet.ConnectionStat, error)
	// ProcessName resolves a pid; gopsutil when nil.
	ProcessName func(ctx context.Context, pid int32) (string, error)
}

// CheckPort reports whether a TCP connection to host:port succeeds.
func (c *Checker) CheckPort(ctx context.Context, host string, port int) bool {
	d := net.Dialer{Timeout: orDefault(c.DialTimeout, DefaultDialTimeout)}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Listener describes who is listening on a port.
type Listener struct {
	Listening bool   `json:"listening"`
	Process   string `json:"process,omitempty"`
	PID       int32  `json:"pid,omitempty"`
}

// Listening looks for a TCP socket in LISTEN state bound to port.
func (c *Checker) Listening(ctx context.Context, port int) (Listener, error) {
	list := c.Connections
	if list == nil {
		list = func(ctx context.Context) ([]psnet.ConnectionStat, error) {
			return psnet.ConnectionsWithContext(ctx, "tcp")
		}
	}
	conns, err := list(ctx)
	if err != nil {
		return Listener{}, err
	}
	for _, conn := range conns {
		if conn.Status != "LISTEN" || int(conn.Laddr.Port) != port {
			continue
		}
		l := Listener{Listening: true, PID: conn.Pid, Process: "unknown"}
		if conn.Pid > 0 {
			if name, err := c.processName(ctx, conn.Pid); err == nil && name != "" {
				l.Process = name
			}
		}
		return l, nil
	}
	return Listener{}, nil
}

func (c *Checker) processName(ctx context.Context, pid int32) (string, error) {
	if c.ProcessName != nil {
		return c.ProcessName(ctx, pid)
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

// DNSResult is the resolution state of one hostname.
type DNSResult struct {
	Resolved  bool     `json:"resolved"`
	CNAME     string   `json:"cname,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	IsTunnel  bool     `json:"isCloudflareTunnel"`
	Error     string   `json:"error,omitempty"`
}

var ipv4 = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// ErrNoRecords is reported when a hostname resolves to nothing.
var ErrNoRecords = errors.New("no DNS records found")

// noRecordsMessage is the DNSResult.Error text for ErrNoRecords, as UIs show it.
const noRecordsMessage = "No DNS records found"

// CheckDNS resolves hostname. The record counts as pointing at a tunnel when
// its CNAME mentions cfargotunnel.com or cloudflare, or when it resolves to a
// single IPv4 address (proxied records hide the CNAME).
func (c *Checker) CheckDNS(ctx context.Context, hostname string) DNSResult {
	ctx, cancel := context.WithTimeout(ctx, orDefault(c.DNSTimeout, DefaultDNSTimeout))
	defer cancel()
	r := c.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	addrs, err := r.LookupHost(ctx, hostname)
	if err != nil {
		return DNSResult{Error: err.Error()}
	}
	if len(addrs) == 0 {
		return DNSResult{Error: noRecordsMessage}
	}
	res := DNSResult{Resolved: true, Addresses: addrs}
	if cname, err := r.LookupCNAME(ctx, hostname); err == nil {
		cname = strings.TrimSuffix(cname, ".")
		if cname != strings.TrimSuffix(hostname, ".") {
			res.CNAME = cname
		}
	}
	res.IsTunnel = strings.Contains(res.CNAME, "cfargotunnel.com") ||
		strings.Contains(res.CNAME, "cloudflare") ||
		(len(addrs) == 1 && ipv4.MatchString(addrs[0]))
	return res
}

// Local and DNS states reported by Reconcile.
const (
	LocalActive  = "active"
	LocalError   = "error"
	LocalUnknown = "unknown"

	DNSConfigured = "configured"
	DNSPending    = "pending"
	DNSError      = "error"
)

// IngressStatus is a proxy item annotated with probe results.
type IngressStatus struct {
	tunnelcfg.ProxyItem
	LocalStatus string `json:"localStatus"`
	DNSStatus   string `json:"dnsStatus"`
}

// Reconcile probes every item concurrently. Nothing is probed while the tunnel
// is stopped: local status is unknown and DNS is pending.
func (c *Checker) Reconcile(ctx context.Context, items []tunnelcfg.ProxyItem, running bool) []IngressStatus {
	out := make([]IngressStatus, len(items))
	if !running {
		for i, it := range items {
			out[i] = IngressStatus{ProxyItem: it, LocalStatus: LocalUnknown, DNSStatus: DNSPending}
		}
		return out
	}
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		go func(i int, it tunnelcfg.ProxyItem) {
			defer wg.Done()
			st := IngressStatus{ProxyItem: it, LocalStatus: LocalError, DNSStatus: DNSPending}
			if l, err := c.Listening(ctx, it.LocalPort); err == nil && l.Listening {
				st.LocalStatus = LocalActive
			}
			switch d := c.CheckDNS(ctx, it.Hostname); {
			case d.Resolved && d.IsTunnel:
				st.DNSStatus = DNSConfigured
			case d.Resolved:
				st.DNSStatus = DNSError
			}
			out[i] = st
		}(i, it)
	}
	wg.Wait()
	return out
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
