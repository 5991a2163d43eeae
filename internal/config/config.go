// Package config loads the tunnelpanel application configuration with viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/tunnelpanel/internal/env"
	"github.com/loykin/tunnelpanel/internal/logger"
	"github.com/loykin/tunnelpanel/internal/metrics"
	"github.com/loykin/tunnelpanel/internal/tunnelcfg"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// TUNNELPANEL_SERVER_LISTEN=127.0.0.1:9000.
const EnvPrefix = "TUNNELPANEL"

type Config struct {
	Cloudflared CloudflaredConfig `mapstructure:"cloudflared"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         logger.Config     `mapstructure:"log"`
	History     HistoryConfig     `mapstructure:"history"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type CloudflaredConfig struct {
	Binary     string   `mapstructure:"binary"`
	ConfigPath string   `mapstructure:"config_path"` // the tunnel's config.yml
	Tunnel     string   `mapstructure:"tunnel"`      // default tunnel name for start
	Env        []string `mapstructure:"env"`         // KEY=VALUE overrides for the subprocess
	EnvFiles   []string `mapstructure:"env_files"`
	// WatchConfig publishes a config event whenever config.yml changes.
	WatchConfig bool `mapstructure:"watch_config"`
}

type SupervisorConfig struct {
	StartWindow   time.Duration `mapstructure:"start_window"`
	ConfirmWindow time.Duration `mapstructure:"confirm_window"`
	Settle        time.Duration `mapstructure:"settle"`
	Grace         time.Duration `mapstructure:"grace"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Markers       []string      `mapstructure:"markers"`
}

type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	BasePath     string        `mapstructure:"base_path"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cloudflared.binary", "cloudflared")
	v.SetDefault("cloudflared.config_path", filepath.Join("~", ".cloudflared", tunnelcfg.FileName))
	v.SetDefault("cloudflared.tunnel", "")
	v.SetDefault("cloudflared.env", []string{})
	v.SetDefault("cloudflared.watch_config", true)
	v.SetDefault("cloudflared.env_files", []string{})

	v.SetDefault("supervisor.start_window", "1s")
	v.SetDefault("supervisor.confirm_window", "2s")
	v.SetDefault("supervisor.settle", "1500ms")
	v.SetDefault("supervisor.grace", "5s")
	v.SetDefault("supervisor.max_retries", 3)
	v.SetDefault("supervisor.retry_delay", "2s")
	v.SetDefault("supervisor.markers", []string{"Registered tunnel connection", "Connection registered"})

	v.SetDefault("server.listen", "127.0.0.1:7878")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.read_timeout", "10s")
	// SSE streams stay open; keep writes unbounded by default.
	v.SetDefault("server.write_timeout", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("history.dsns", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", "5s")
	v.SetDefault("metrics.resources.max_history", 120)
}

// Load reads path (TOML unless the extension says otherwise) over the
// defaults, then applies TUNNELPANEL_* environment overrides. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Cloudflared.ConfigPath = ExpandHome(c.Cloudflared.ConfigPath)
	c.Log.File.Dir = ExpandHome(c.Log.File.Dir)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

// Validate rejects settings the supervisor cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Cloudflared.Binary) == "" {
		return fmt.Errorf("cloudflared.binary must not be empty")
	}
	s := c.Supervisor
	for name, d := range map[string]time.Duration{
		"start_window": s.StartWindow, "confirm_window": s.ConfirmWindow,
		"settle": s.Settle, "grace": s.Grace, "retry_delay": s.RetryDelay,
	} {
		if d < 0 {
			return fmt.Errorf("supervisor.%s must not be negative", name)
		}
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries must not be negative")
	}
	for _, kv := range c.Cloudflared.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("cloudflared.env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// Environment composes the subprocess environment: OS environment, then env
// files in order, then the inline env list.
func (c CloudflaredConfig) Environment() (*env.Env, error) {
	vars := env.Vars{}
	for _, p := range c.EnvFiles {
		m, err := loadEnvFile(ExpandHome(p))
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			vars[k] = v
		}
	}
	for k, v := range env.Parse(c.Env) {
		vars[k] = v
	}
	return env.New(vars).FromOS(), nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines. Blank lines and
// lines starting with # are ignored; an optional "export " prefix and matching
// surrounding quotes are stripped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		if k != "" {
			m[k] = v
		}
	}
	return m, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
