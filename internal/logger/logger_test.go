package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWritersWithDir(t *testing.T) {
	dir := t.TempDir()
	outW, errW, err := FileConfig{Dir: dir}.Writers("tunnel")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("out\n"))
	_, _ = errW.Write([]byte("err\n"))
	closeIf(outW)
	closeIf(errW)
	assert.FileExists(t, filepath.Join(dir, "tunnel.stdout.log"))
	assert.FileExists(t, filepath.Join(dir, "tunnel.stderr.log"))
}

func TestWritersExplicitStdoutOnly(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "only.log")
	outW, errW, err := FileConfig{StdoutPath: p}.Writers("ignored")
	require.NoError(t, err)
	assert.Nil(t, errW)
	_, _ = outW.Write([]byte("a"))
	closeIf(outW)
	_, err = os.Stat(p)
	assert.NoError(t, err)
}

func TestWritersDefaultsAndOverrides(t *testing.T) {
	outW, errW, _ := FileConfig{}.Writers("n")
	assert.Nil(t, outW)
	assert.Nil(t, errW)

	outW, _, _ = FileConfig{StdoutPath: "x"}.Writers("n")
	l := outW.(*lj.Logger)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	outW, _, _ = FileConfig{StdoutPath: "x", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writers("n")
	l = outW.(*lj.Logger)
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, 11, l.MaxAge)
	assert.True(t, l.Compress)
}

func TestWritersRejectsPathInName(t *testing.T) {
	_, _, err := FileConfig{Dir: t.TempDir()}.Writers("../evil")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "debug", Format: "json"})
	l.Debug("tunnel started", "pid", 42)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "tunnel started", rec["msg"])
	assert.EqualValues(t, 42, rec["pid"])
}

func TestColorHandlerKeepsColourOnDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Color: true}).With("component", "supervisor")
	l.Warn("slow shutdown")
	// TextHandler quotes control characters.
	assert.Contains(t, buf.String(), `\x1b[33mWARN\x1b[0m  slow shutdown`)
	assert.Contains(t, buf.String(), "component=supervisor")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
