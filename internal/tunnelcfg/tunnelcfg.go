// Package tunnelcfg reads and writes the cloudflared config.yml and maps its
// ingress rules to the proxy items shown by the panel.
package tunnelcfg

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DirName  = ".cloudflared"
	FileName = "config.yml"
	CertName = "cert.pem"

	// CatchAllService answers requests that match no hostname.
	CatchAllService = "http_status:404"
)

type OriginRequest struct {
	ConnectTimeout string `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`
	NoTLSVerify    bool   `yaml:"noTLSVerify,omitempty" json:"noTLSVerify,omitempty"`
	HTTPHostHeader string `yaml:"httpHostHeader,omitempty" json:"httpHostHeader,omitempty"`
}

type IngressRule struct {
	Hostname      string         `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	Path          string         `yaml:"path,omitempty" json:"path,omitempty"`
	Service       string         `yaml:"service" json:"service"`
	OriginRequest *OriginRequest `yaml:"originRequest,omitempty" json:"originRequest,omitempty"`
}

type WarpRouting struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Config is the subset of cloudflared's config.yml the panel edits. Unknown
// keys are kept in Extra and written back unchanged.
type Config struct {
	Tunnel          string         `yaml:"tunnel,omitempty" json:"tunnel,omitempty"`
	CredentialsFile string         `yaml:"credentials-file,omitempty" json:"credentials-file,omitempty"`
	LogDirectory    string         `yaml:"logDirectory,omitempty" json:"logDirectory,omitempty"`
	LogLevel        string         `yaml:"loglevel,omitempty" json:"loglevel,omitempty"`
	Ingress         []IngressRule  `yaml:"ingress,omitempty" json:"ingress,omitempty"`
	WarpRouting     *WarpRouting   `yaml:"warp-routing,omitempty" json:"warp-routing,omitempty"`
	Extra           map[string]any `yaml:",inline" json:"-"`
}

// Document is a loaded config file.
type Document struct {
	Path   string  `json:"path"`
	Exists bool    `json:"exists"`
	Config *Config `json:"config"`
	Raw    string  `json:"raw,omitempty"`
}

// DefaultDir is ~/.cloudflared.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DirName), nil
}

// DefaultPath is ~/.cloudflared/config.yml.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path. A missing file is not an error: the document reports
// Exists=false with a nil Config.
func Load(path string) (*Document, error) {
	doc := &Document{Path: path}
	b, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	doc.Exists = true
	doc.Raw = string(b)
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	doc.Config = cfg
	return doc, nil
}

// Parse decodes config.yml content. An empty document yields an empty Config.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes raw verbatim when non-empty, otherwise the YAML encoding of cfg.
// The directory is created if needed and an existing file is first copied to
// <path>.backup.<unix millis>. It returns the backup path, if any.
func Save(path string, cfg *Config, raw string) (string, error) {
	var content []byte
	switch {
	case raw != "":
		if _, err := Parse([]byte(raw)); err != nil {
			return "", fmt.Errorf("invalid YAML: %w", err)
		}
		content = []byte(raw)
	case cfg != nil:
		b, err := Marshal(cfg)
		if err != nil {
			return "", err
		}
		content = b
	default:
		return "", errors.New("nothing to save")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	backup, err := backupFile(path, time.Now())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return backup, err
	}
	return backup, nil
}

// Marshal encodes cfg with two-space indentation.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func backupFile(path string, now time.Time) (string, error) {
	src, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	dst := fmt.Sprintf("%s.backup.%d", path, now.UnixMilli())
	if err := os.WriteFile(dst, src, 0o600); err != nil {
		return "", err
	}
	return dst, nil
}
