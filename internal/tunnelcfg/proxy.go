package tunnelcfg

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

// ProxyItem is one hostname-to-local-service mapping as shown in the panel.
type ProxyItem struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	LocalHost string `json:"localHost"`
	LocalPort int    `json:"localPort"`
	Service   string `json:"service"`
	Status    string `json:"status"` // active while the tunnel runs, else stopped
}

const (
	StatusActive  = "active"
	StatusStopped = "stopped"
)

// ProxyItems converts ingress rules into proxy items. Rules without a hostname
// (the catch-all) are skipped.
func ProxyItems(ingress []IngressRule, running bool) []ProxyItem {
	status := StatusStopped
	if running {
		status = StatusActive
	}
	items := make([]ProxyItem, 0, len(ingress))
	for _, r := range ingress {
		if r.Hostname == "" {
			continue
		}
		host, port := ParseServiceURL(r.Service)
		items = append(items, ProxyItem{
			ID:        fmt.Sprintf("ingress-%d", len(items)),
			Hostname:  r.Hostname,
			LocalHost: host,
			LocalPort: port,
			Service:   r.Service,
			Status:    status,
		})
	}
	return items
}

// ToIngress converts proxy items back into ingress rules and always appends
// the catch-all rule.
func ToIngress(items []ProxyItem) []IngressRule {
	rules := make([]IngressRule, 0, len(items)+1)
	for _, it := range items {
		svc := it.Service
		if svc == "" {
			svc = fmt.Sprintf("http://%s:%d", it.LocalHost, it.LocalPort)
		}
		rules = append(rules, IngressRule{Hostname: it.Hostname, Service: svc})
	}
	return append(rules, IngressRule{Service: CatchAllService})
}

var hostPort = regexp.MustCompile(`^(?:https?://)?([^:]+):?(\d+)?`)

// ParseServiceURL extracts the local host and port an ingress service points
// at. A URL without a port uses 443 for https and 80 otherwise; strings that
// are not URLs fall back to host[:port], then to localhost:80.
func ParseServiceURL(service string) (string, int) {
	if u, err := url.Parse(service); err == nil && u.Scheme != "" && u.Host != "" {
		port, _ := strconv.Atoi(u.Port())
		if port == 0 {
			port = 80
			if u.Scheme == "https" {
				port = 443
			}
		}
		return u.Hostname(), port
	}
	if m := hostPort.FindStringSubmatch(service); m != nil {
		host := m[1]
		if host == "" {
			host = "localhost"
		}
		port, _ := strconv.Atoi(m[2])
		if port == 0 {
			port = 80
		}
		return host, port
	}
	return "localhost", 80
}
