package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Stream identifies which output pipe a Chunk was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is one newline-delimited piece of subprocess output.
type Chunk struct {
	Stream Stream
	Text   string
}

// Process is the view of a spawned subprocess that the supervisor works with.
// *Handle is the OS-backed implementation; tests provide simulated ones.
type Process interface {
	PID() int
	// Alive reports false once the exit notification has been observed.
	Alive() bool
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 means killed by a signal.
	ExitCode() int
	ExitErr() error
	// Output delivers stdout/stderr chunks and is closed after both pipes hit EOF.
	Output() <-chan Chunk
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill forcefully ends the process.
	Kill() error
}

const (
	outputBuffer  = 256
	maxLineLength = 1 << 20
)

// Handle wraps one running OS subprocess.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	alive atomic.Bool
	done  chan struct{}
	out   chan Chunk

	mu       sync.Mutex
	exitCode int
	exitErr  error
}

// start launches cmd with its stdout/stderr bound to fresh pipes. The pipes are
// plain *os.File values so cmd.Wait does not depend on the readers reaching EOF:
// a descendant holding the pipe open cannot delay the exit notification.
func start(cmd *exec.Cmd) (*Handle, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}
	cmd.Stdin = nil
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, err
	}
	// Child holds its own copies of the write ends.
	_ = outW.Close()
	_ = errW.Close()

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		out:       make(chan Chunk, outputBuffer),
		exitCode:  -1,
	}
	h.alive.Store(true)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.read(outR, StreamStdout, &readers)
	go h.read(errR, StreamStderr, &readers)
	go func() {
		readers.Wait()
		close(h.out)
	}()
	go h.wait()
	return h, nil
}

func (h *Handle) read(r io.ReadCloser, s Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() { _ = r.Close() }()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		h.out <- Chunk{Stream: s, Text: sc.Text()}
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := -1
	if ps := h.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()
	h.alive.Store(false)
	close(h.done)
}

func (h *Handle) PID() int              { return h.pid }
func (h *Handle) StartedAt() time.Time  { return h.startedAt }
func (h *Handle) Alive() bool           { return h.alive.Load() }
func (h *Handle) Done() <-chan struct{} { return h.done }
func (h *Handle) Output() <-chan Chunk  { return h.out }

// Terminate signals the process group with SIGTERM on unix platforms.
func (h *Handle) Terminate() error { return ignoreDone(terminate(h.cmd.Process)) }

// Kill signals the process group with SIGKILL on unix platforms.
func (h *Handle) Kill() error { return ignoreDone(kill(h.cmd.Process)) }

// Args returns the argv the process was started with.
func (h *Handle) Args() []string { return append([]string(nil), h.cmd.Args...) }

func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
