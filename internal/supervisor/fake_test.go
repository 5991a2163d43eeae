package supervisor

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/tunnelpanel/internal/process"
)

// fakeProc is a simulated tunnel process driven by tests.
type fakeProc struct {
	pid        int
	ignoreTerm bool

	mu     sync.Mutex
	exited bool
	alive  atomic.Bool
	code   atomic.Int64
	done   chan struct{}
	out    chan process.Chunk

	terms atomic.Int32
	kills atomic.Int32
}

func newFakeProc(pid int) *fakeProc {
	p := &fakeProc{pid: pid, done: make(chan struct{}), out: make(chan process.Chunk, 64)}
	p.alive.Store(true)
	p.code.Store(-1)
	return p
}

func (p *fakeProc) PID() int                     { return p.pid }
func (p *fakeProc) Alive() bool                  { return p.alive.Load() }
func (p *fakeProc) Done() <-chan struct{}        { return p.done }
func (p *fakeProc) ExitCode() int                { return int(p.code.Load()) }
func (p *fakeProc) ExitErr() error               { return nil }
func (p *fakeProc) Output() <-chan process.Chunk { return p.out }

func (p *fakeProc) Terminate() error {
	p.terms.Add(1)
	if !p.ignoreTerm {
		go p.exit(-1)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	p.exit(-1)
	return nil
}

func (p *fakeProc) emit(s process.Stream, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.out <- process.Chunk{Stream: s, Text: text}
}

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.code.Store(int64(code))
	p.alive.Store(false)
	close(p.out)
	close(p.done)
}

// behaviour scripts one spawned process.
type behaviour func(p *fakeProc)

func stayUp(p *fakeProc) {}

func exitAfter(d time.Duration, code int, lines ...string) behaviour {
	return func(p *fakeProc) {
		go func() {
			for _, l := range lines {
				p.emit(process.StreamStderr, l)
			}
			time.Sleep(d)
			p.exit(code)
		}()
	}
}

func logAfter(d time.Duration, line string) behaviour {
	return func(p *fakeProc) {
		go func() {
			time.Sleep(d)
			p.emit(process.StreamStdout, line)
		}()
	}
}

var errNoBinary = errors.New("exec: \"cloudflared\": executable file not found in $PATH")

// fakeSpawner hands out scripted processes in order; the last script repeats.
type fakeSpawner struct {
	mu      sync.Mutex
	scripts []behaviour
	err     error
	nextPID int
	calls   [][]string
	procs   []*fakeProc
	setup   func(p *fakeProc)
}

func (f *fakeSpawner) Spawn(name string, args ...string) (process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.err != nil {
		return nil, &process.SpawnError{Name: name, Err: f.err}
	}
	if f.nextPID == 0 {
		f.nextPID = 1234
	}
	p := newFakeProc(f.nextPID)
	f.nextPID++
	if f.setup != nil {
		f.setup(p)
	}
	script := stayUp
	if n := len(f.procs); len(f.scripts) > 0 {
		if n < len(f.scripts) {
			script = f.scripts[n]
		} else {
			script = f.scripts[len(f.scripts)-1]
		}
	}
	f.procs = append(f.procs, p)
	script(p)
	return p, nil
}

func (f *fakeSpawner) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeSpawner) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSpawner) args(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
