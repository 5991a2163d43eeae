package process

import (
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/tunnelpanel/internal/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func drain(p Process) []Chunk {
	var out []Chunk
	for c := range p.Output() {
		out = append(out, c)
	}
	return out
}

func waitDone(t *testing.T, p Process, d time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(d):
		t.Fatalf("process %d did not exit within %s", p.PID(), d)
	}
}

func TestSpawnCapturesStreams(t *testing.T) {
	requireUnix(t)
	p, err := ExecSpawner{}.Spawn("/bin/sh", "-c", "echo out; echo err 1>&2; exit 3")
	require.NoError(t, err)
	require.Greater(t, p.PID(), 0)

	chunks := drain(p)
	waitDone(t, p, 5*time.Second)

	assert.False(t, p.Alive())
	assert.Equal(t, 3, p.ExitCode())
	assert.Error(t, p.ExitErr())
	assert.Contains(t, chunks, Chunk{Stream: StreamStdout, Text: "out"})
	assert.Contains(t, chunks, Chunk{Stream: StreamStderr, Text: "err"})
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := ExecSpawner{}.Spawn("/definitely/not/a/binary")
	require.Error(t, err)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "/definitely/not/a/binary", se.Name)
}

func TestSpawnUsesEnv(t *testing.T) {
	requireUnix(t)
	e := env.New(env.Vars{"TP_GREETING": "hello ${TP_NAME}"}).WithBase(env.Vars{"TP_NAME": "tunnel", "PATH": "/usr/bin:/bin"})
	p, err := ExecSpawner{Env: e}.Spawn("/bin/sh", "-c", `echo "$TP_GREETING"`)
	require.NoError(t, err)
	chunks := drain(p)
	waitDone(t, p, 5*time.Second)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello tunnel", chunks[0].Text)
}

func TestTerminateEndsProcessGroup(t *testing.T) {
	requireUnix(t)
	p, err := ExecSpawner{}.Spawn("/bin/sh", "-c", "sleep 30 & wait")
	require.NoError(t, err)
	assert.True(t, p.Alive())

	require.NoError(t, p.Terminate())
	waitDone(t, p, 5*time.Second)
	assert.False(t, p.Alive())
	assert.Equal(t, -1, p.ExitCode())

	// The backgrounded sleep shared the group, so the pipes close as well.
	select {
	case _, ok := <-p.Output():
		for ok {
			_, ok = <-p.Output()
		}
	case <-time.After(5 * time.Second):
		t.Fatal("output not closed after group termination")
	}
}

func TestKillAfterExitIsNoop(t *testing.T) {
	requireUnix(t)
	p, err := ExecSpawner{}.Spawn("/bin/sh", "-c", "true")
	require.NoError(t, err)
	drain(p)
	waitDone(t, p, 5*time.Second)
	assert.NoError(t, p.Kill())
}

func TestHandleArgs(t *testing.T) {
	requireUnix(t)
	p, err := ExecSpawner{}.Spawn("/bin/sh", "-c", "true")
	require.NoError(t, err)
	drain(p)
	h := p.(*Handle)
	assert.Equal(t, "/bin/sh -c true", strings.Join(h.Args(), " "))
	assert.False(t, h.StartedAt().IsZero())
}
