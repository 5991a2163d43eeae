package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/loykin/tunnelpanel/internal/config"
	"github.com/loykin/tunnelpanel/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// apiURL picks --api-url, else the server section of --config, else the
// client default.
func apiURL(flags *GlobalFlags) (string, error) {
	if flags.APIUrl != "" {
		return flags.APIUrl, nil
	}
	if flags.ConfigPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "", fmt.Errorf("server.listen: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := "/" + strings.Trim(cfg.Server.BasePath, "/")
	if base == "/" {
		base = ""
	}
	return "http://" + net.JoinHostPort(host, port) + base, nil
}
