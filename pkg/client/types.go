package client

import "time"

// Status is the tunnel state reported by the daemon.
type Status struct {
	Running    bool `json:"running"`
	PID        int  `json:"pid,omitempty"`
	Restarting bool `json:"restarting"`
}

// StartResponse is returned by a successful start.
type StartResponse struct {
	Success bool `json:"success"`
	PID     int  `json:"pid"`
}

// RestartRequest tunes a restart. Zero values use the daemon defaults.
type RestartRequest struct {
	Name       string        `json:"name,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
	RetryDelay time.Duration `json:"-"`
}

// RestartResponse is returned by a successful restart.
type RestartResponse struct {
	Success bool `json:"success"`
	PID     int  `json:"pid"`
	Attempt int  `json:"attempt"`
}

// Event is one relayed log line or exit notification.
type Event struct {
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	Code    *int      `json:"code,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Time    time.Time `json:"time"`
}

// Tunnel is one entry of the account's tunnel list.
type Tunnel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	Connections []struct {
		ColoName string `json:"colo_name"`
		ID       string `json:"id"`
	} `json:"connections"`
}

// ConfigDocument is the cloudflared config.yml as served by the daemon.
type ConfigDocument struct {
	Path   string         `json:"path"`
	Exists bool           `json:"exists"`
	Config map[string]any `json:"config"`
	Raw    string         `json:"raw,omitempty"`
}

// SaveResponse is returned after config.yml is written.
type SaveResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Backup  string `json:"backup,omitempty"`
}

// IngressItem is one hostname mapping, with probe results when requested.
type IngressItem struct {
	ID          string `json:"id"`
	Hostname    string `json:"hostname"`
	LocalHost   string `json:"localHost"`
	LocalPort   int    `json:"localPort"`
	Service     string `json:"service"`
	Status      string `json:"status"`
	LocalStatus string `json:"localStatus,omitempty"`
	DNSStatus   string `json:"dnsStatus,omitempty"`
}

// RouteRequest asks the daemon to route hostname to a tunnel. An empty
// TunnelID uses the tunnel named in config.yml.
type RouteRequest struct {
	TunnelID  string `json:"tunnel_id,omitempty"`
	Hostname  string `json:"hostname"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// RouteResult is the outcome of a DNS route.
type RouteResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	AlreadyExists bool   `json:"alreadyExists"`
	Status        string `json:"status"`
}

// DNSResult is the resolution state of a hostname.
type DNSResult struct {
	Resolved  bool     `json:"resolved"`
	CNAME     string   `json:"cname,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	IsTunnel  bool     `json:"isCloudflareTunnel"`
	Error     string   `json:"error,omitempty"`
}

// Listener describes who listens on a port.
type Listener struct {
	Listening bool   `json:"listening"`
	Process   string `json:"process,omitempty"`
	PID       int32  `json:"pid,omitempty"`
}

// AuthStatus reports cloudflared installation and login state.
type AuthStatus struct {
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
	LoggedIn  bool   `json:"loggedIn"`
	CertPath  string `json:"certPath"`
}

// HistoryEvent is one recorded lifecycle event.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		Name     string `json:"name"`
		PID      int    `json:"pid"`
		Attempt  int    `json:"attempt,omitempty"`
		ExitCode int    `json:"exit_code"`
		Forced   bool   `json:"forced,omitempty"`
		Error    string `json:"error,omitempty"`
	} `json:"record"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
