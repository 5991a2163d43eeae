// Package logger builds the application slog logger and the rotating files
// used to archive tunnel output.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config is the logging section of the application config.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text, json
	Color  bool       `mapstructure:"color"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig describes where tunnel stdout/stderr are archived. If the explicit
// paths are empty and Dir is set, files are Dir/<name>.stdout.log and
// Dir/<name>.stderr.log. Rotation follows lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Enabled reports whether any archive destination is configured.
func (c FileConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// New returns a logger writing to w.
func New(w io.Writer, c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		if c.Color {
			h = NewColorTextHandler(w, opts)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	}
	return slog.New(h)
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Writers returns rotating writers for the stdout and stderr archive of name.
// Either writer is nil when its destination is not configured.
func (c FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if strings.ContainsAny(name, `/\`) {
		return nil, nil, fmt.Errorf("invalid log name %q", name)
	}
	stdout, stderr := c.StdoutPath, c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, name+".stdout.log")
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, name+".stderr.log")
	}
	return c.rotating(stdout), c.rotating(stderr), nil
}

func (c FileConfig) rotating(path string) io.WriteCloser {
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
