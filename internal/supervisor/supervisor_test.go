package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelpanel/internal/process"
	"github.com/loykin/tunnelpanel/internal/relay"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// fastOptions scales every delay down so tests run in milliseconds.
func fastOptions(sp process.Spawner) Options {
	return Options{
		Spawner:       sp,
		StartWindow:   40 * time.Millisecond,
		ConfirmWindow: 80 * time.Millisecond,
		Settle:        15 * time.Millisecond,
		Grace:         100 * time.Millisecond,
		KillReap:      20 * time.Millisecond,
		RetryDelay:    30 * time.Millisecond,
	}
}

func TestStartSucceedsAndRejectsSecondStart(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(fastOptions(sp))
	defer func() { _ = s.Close() }()

	pid, err := s.Start("home")
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
	assert.Equal(t, Status{Running: true, PID: 1234}, s.Status())

	_, err = s.Start("home")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, sp.spawned(), "second start must not spawn")
	assert.Equal(t, 1234, s.Status().PID)
}

func TestConcurrentStartsYieldOneOccupant(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(fastOptions(sp))
	defer func() { _ = s.Close() }()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ok    int
		dupes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start("")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyRunning):
				dupes++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 4, dupes)
	assert.Equal(t, 1, sp.spawned())
}

func TestStartReportsExitCode(t *testing.T) {
	sp := &fakeSpawner{scripts: []behaviour{exitAfter(5*time.Millisecond, 1, "ERR address already in use")}}
	s := New(fastOptions(sp))

	_, err := s.Start("")
	var se *StartupError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Process exited with code 1", se.Reason)
	assert.False(t, s.Status().Running)
	p, _ := s.slot.Current()
	assert.Nil(t, p, "failed start leaves the slot empty")
}

func TestStartSpawnFailure(t *testing.T) {
	r := relay.New()
	sub := r.Subscribe(8)
	opts := fastOptions(&fakeSpawner{err: errNoBinary})
	opts.Relay = r
	s := New(opts)

	_, err := s.Start("")
	var spawnErr *process.SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.ErrorIs(t, err, errNoBinary)

	e := <-sub.C
	assert.Equal(t, relay.TypeError, e.Type)
	assert.Contains(t, e.Message, "executable file not found")
}

func TestStartArgs(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yml")
	sp := &fakeSpawner{}
	opts := fastOptions(sp)
	opts.ConfigPath = cfg
	opts.Binary = "/usr/local/bin/cloudflared"
	s := New(opts)

	_, err := s.Start("")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/cloudflared", "tunnel", "run"}, sp.args(0))
	require.NoError(t, s.Stop())

	require.NoError(t, writeFile(cfg, "tunnel: abc\n"))
	_, err = s.Start("home")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/cloudflared", "tunnel", "--config", cfg, "run", "home"}, sp.args(1))
	require.NoError(t, s.Stop())

	// The last name is reused when none is given.
	_, err = s.Start("")
	require.NoError(t, err)
	assert.Equal(t, "home", sp.args(2)[len(sp.args(2))-1])
	require.NoError(t, s.Close())
}

func TestStopIsIdempotent(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(fastOptions(sp))

	require.NoError(t, s.Stop(), "stop on an empty slot succeeds")

	_, err := s.Start("")
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	assert.False(t, s.Status().Running)
	assert.EqualValues(t, 1, sp.proc(0).terms.Load())
	assert.EqualValues(t, 0, sp.proc(0).kills.Load())

	require.NoError(t, s.Stop())
	assert.EqualValues(t, 1, sp.proc(0).terms.Load(), "second stop does not signal again")
}

func TestStopForcesKillAfterGrace(t *testing.T) {
	sp := &fakeSpawner{setup: func(p *fakeProc) { p.ignoreTerm = true }}
	s := New(fastOptions(sp))

	_, err := s.Start("")
	require.NoError(t, err)

	begin := time.Now()
	require.NoError(t, s.Stop())
	elapsed := time.Since(begin)

	p := sp.proc(0)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.EqualValues(t, 1, p.terms.Load())
	assert.EqualValues(t, 1, p.kills.Load())
	assert.False(t, p.Alive())
	assert.False(t, s.Status().Running)
}

func TestExitClearsSlotAndRelaysExit(t *testing.T) {
	r := relay.New()
	sub := r.Subscribe(16)
	sp := &fakeSpawner{}
	opts := fastOptions(sp)
	opts.Relay = r
	s := New(opts)

	_, err := s.Start("")
	require.NoError(t, err)
	p := sp.proc(0)
	p.emit(process.StreamStdout, "INF Starting metrics server")
	p.exit(2)

	require.Eventually(t, func() bool {
		cur, _ := s.slot.Current()
		return cur == nil
	}, time.Second, 5*time.Millisecond)

	var sawLine, sawExit bool
	for !sawExit {
		select {
		case e := <-sub.C:
			switch e.Type {
			case relay.TypeStdout:
				sawLine = e.Message == "INF Starting metrics server"
			case relay.TypeExit:
				sawExit = true
				require.NotNil(t, e.Code)
				assert.Equal(t, 2, *e.Code)
				assert.True(t, sawLine, "output is relayed before the exit event")
			}
		case <-time.After(time.Second):
			t.Fatal("exit event not relayed")
		}
	}
}

func TestSupersededExitDoesNotClobberNewOccupant(t *testing.T) {
	var s Slot
	a, b := newFakeProc(1), newFakeProc(2)
	genA, err := s.Install(a)
	require.NoError(t, err)

	taken, _ := s.Take()
	assert.Same(t, a, taken)
	genB, err := s.Install(b)
	require.NoError(t, err)
	assert.NotEqual(t, genA, genB)

	a.exit(0)
	assert.False(t, s.ClearIf(genA), "stale generation must not clear")
	cur, gen := s.Current()
	assert.Same(t, b, cur)
	assert.Equal(t, genB, gen)
	assert.True(t, s.Owns(genB))
}

func TestSlotReplacesDeadOccupant(t *testing.T) {
	var s Slot
	a := newFakeProc(1)
	_, err := s.Install(a)
	require.NoError(t, err)
	_, err = s.Install(newFakeProc(2))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	a.exit(1)
	assert.Nil(t, s.Live())
	_, err = s.Install(newFakeProc(3))
	assert.NoError(t, err)
}

func TestSequencerDeduplicatesConcurrentTerminate(t *testing.T) {
	q := &Sequencer{Grace: 60 * time.Millisecond, KillReap: 10 * time.Millisecond}
	p := newFakeProc(9)
	p.ignoreTerm = true

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Terminate(p)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, p.terms.Load())
	assert.EqualValues(t, 1, p.kills.Load())
	for _, forced := range results {
		assert.True(t, forced)
	}
	assert.False(t, q.Terminate(p), "an exited process completes immediately")
}

func TestRealProcessStartStop(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	bin := filepath.Join(dir, "cloudflared")
	script := "#!/bin/sh\necho \"INF Registered tunnel connection connIndex=0 args=$*\"\nexec sleep 30\n"
	require.NoError(t, writeFile(bin, script))
	require.NoError(t, os.Chmod(bin, 0o755))

	r := relay.New()
	sub := r.Subscribe(16)
	s := New(Options{
		Binary:      bin,
		Relay:       r,
		StartWindow: 200 * time.Millisecond,
		Grace:       2 * time.Second,
	})
	defer func() { _ = s.Close() }()

	pid, err := s.Start("home")
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	select {
	case e := <-sub.C:
		assert.Equal(t, relay.TypeStdout, e.Type)
		assert.True(t, strings.Contains(e.Message, "args=tunnel run home"), e.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no output relayed")
	}

	require.NoError(t, s.Stop())
	assert.False(t, s.Status().Running)
}
