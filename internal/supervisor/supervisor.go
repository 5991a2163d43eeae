// Package supervisor owns the lifecycle of the single cloudflared tunnel
// process: start, stop, restart with retries, and exit reconciliation.
package supervisor

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/tunnelpanel/internal/detector"
	"github.com/loykin/tunnelpanel/internal/history"
	"github.com/loykin/tunnelpanel/internal/metrics"
	"github.com/loykin/tunnelpanel/internal/process"
	"github.com/loykin/tunnelpanel/internal/relay"
)

const (
	DefaultBinary     = "cloudflared"
	DefaultSettle     = 1500 * time.Millisecond
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2000 * time.Millisecond

	// outputDrain bounds how long the exit event waits for buffered output,
	// since a leftover child may keep the pipes open.
	outputDrain = 250 * time.Millisecond
)

// Options configure a Supervisor. Zero durations select the defaults.
type Options struct {
	Binary     string
	ConfigPath string // passed as --config only when the file exists
	TunnelName string // used when Start is called without a name

	StartWindow   time.Duration
	ConfirmWindow time.Duration
	Settle        time.Duration
	Grace         time.Duration
	KillReap      time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	Markers       []string

	Spawner process.Spawner
	Relay   *relay.Relay
	History *history.Recorder
	Logger  *slog.Logger
}

// Status is a read-only snapshot of the slot.
type Status struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// Supervisor runs at most one tunnel process at a time.
type Supervisor struct {
	opts    Options
	spawner process.Spawner
	relay   *relay.Relay
	history *history.Recorder
	logger  *slog.Logger

	slot Slot
	seq  *Sequencer

	// launchMu serialises the check-spawn-install step so two callers cannot
	// both observe an empty slot.
	launchMu   sync.Mutex
	restarting atomic.Bool
	restartMu  sync.Mutex // held for the whole restart sequence
	closed     atomic.Bool

	nameMu   sync.Mutex
	lastName string
}

func New(opts Options) *Supervisor {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.Spawner == nil {
		opts.Spawner = process.ExecSpawner{}
	}
	if opts.Relay == nil {
		opts.Relay = relay.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Markers) == 0 {
		opts.Markers = detector.DefaultMarkers
	}
	return &Supervisor{
		opts:     opts,
		spawner:  opts.Spawner,
		relay:    opts.Relay,
		history:  opts.History,
		logger:   opts.Logger,
		seq:      &Sequencer{Grace: opts.Grace, KillReap: opts.KillReap, Logger: opts.Logger},
		lastName: opts.TunnelName,
	}
}

// Relay returns the event relay carrying tunnel output.
func (s *Supervisor) Relay() *relay.Relay { return s.relay }

// Status reports whether a live process occupies the slot.
func (s *Supervisor) Status() Status {
	if p := s.slot.Live(); p != nil {
		return Status{Running: true, PID: p.PID()}
	}
	return Status{}
}

// Restarting reports whether a restart sequence is in flight.
func (s *Supervisor) Restarting() bool { return s.restarting.Load() }

// Start launches the tunnel and applies the simple startup check. An empty
// name falls back to the last started name, then to Options.TunnelName.
func (s *Supervisor) Start(name string) (int, error) {
	if s.restarting.Load() {
		return 0, ErrRestartInProgress
	}
	name = s.rememberName(name)
	policy := detector.Simple{Window: s.opts.StartWindow}
	return s.launch(name, policy, "start", 0)
}

// Stop terminates the current occupant. It succeeds when the slot is empty.
func (s *Supervisor) Stop() error {
	if s.restarting.Load() {
		return ErrRestartInProgress
	}
	s.stopCurrent()
	return nil
}

func (s *Supervisor) stopCurrent() {
	p, gen := s.slot.Current()
	if p == nil {
		return
	}
	forced := s.seq.Terminate(p)
	if s.slot.ClearIf(gen) {
		metrics.SetRunning(false)
	}
	metrics.IncStop(forced)
	s.history.Record(history.EventStop, history.Record{Name: s.name(), PID: p.PID(), ExitCode: p.ExitCode(), Forced: forced})
	s.logger.Info("tunnel stopped", "pid", p.PID(), "forced", forced)
}

// Close waits for an in-flight restart, stops the tunnel and refuses further
// launches.
func (s *Supervisor) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	s.stopCurrent()
	return nil
}

// launch spawns the tunnel, installs it and blocks on policy for a verdict.
func (s *Supervisor) launch(name string, policy detector.Policy, mode string, attempt int) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.launchMu.Lock()
	// Re-checked under launchMu so a Restart that began after Start's first
	// check cannot be overtaken.
	if mode == "start" && s.restarting.Load() {
		s.launchMu.Unlock()
		return 0, ErrRestartInProgress
	}
	if s.slot.Live() != nil {
		s.launchMu.Unlock()
		return 0, ErrAlreadyRunning
	}
	args := s.args(name)
	p, err := s.spawner.Spawn(s.opts.Binary, args...)
	if err != nil {
		s.launchMu.Unlock()
		s.relay.Publish(relay.Log(relay.TypeError, 0, err.Error()))
		metrics.IncStartupFailure(mode)
		s.logger.Error("failed to spawn tunnel", "binary", s.opts.Binary, "error", err)
		return 0, err
	}
	watch := policy.NewWatch()
	gen, err := s.slot.Install(p)
	s.launchMu.Unlock()
	if err != nil {
		s.seq.Terminate(p)
		return 0, err
	}
	s.logger.Info("tunnel spawned", "pid", p.PID(), "args", args, "mode", mode)

	drained := make(chan struct{})
	go s.pump(p, watch, drained)
	go s.watchExit(p, gen, drained)

	out := policy.Detect(p, watch, func() bool { return s.slot.Owns(gen) })
	if !out.Started {
		s.slot.ClearIf(gen)
		if p.Alive() {
			s.seq.Terminate(p)
		}
		metrics.IncStartupFailure(mode)
		s.logger.Warn("tunnel failed to start", "pid", p.PID(), "reason", out.Reason, "mode", mode)
		return 0, &StartupError{PID: p.PID(), Reason: out.Reason}
	}

	metrics.IncStart(mode)
	metrics.SetRunning(true)
	s.history.Record(history.EventStart, history.Record{Name: name, PID: out.PID, Attempt: attempt})
	s.logger.Info("tunnel started", "pid", out.PID, "registered", out.Registered, "mode", mode)
	return out.PID, nil
}

// args builds `tunnel [--config path] run [name]`.
func (s *Supervisor) args(name string) []string {
	args := []string{"tunnel"}
	if path := s.opts.ConfigPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			args = append(args, "--config", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cannot stat tunnel config", "path", path, "error", err)
		}
	}
	args = append(args, "run")
	if name != "" {
		args = append(args, name)
	}
	return args
}

// pump relays every output chunk for the whole process lifetime and feeds the
// startup watch.
func (s *Supervisor) pump(p process.Process, w *detector.Watch, drained chan<- struct{}) {
	defer close(drained)
	defer w.Finish()
	pid := p.PID()
	for c := range p.Output() {
		w.Observe(c.Text)
		s.relay.Publish(relay.Log(relay.Type(c.Stream), pid, c.Text))
	}
}

// watchExit reconciles the slot when p exits. Only the generation p was
// installed under may be cleared.
func (s *Supervisor) watchExit(p process.Process, gen uint64, drained <-chan struct{}) {
	<-p.Done()
	t := time.NewTimer(outputDrain)
	select {
	case <-drained:
	case <-t.C:
	}
	t.Stop()

	code := p.ExitCode()
	s.relay.Publish(relay.Exit(p.PID(), code))
	if s.slot.ClearIf(gen) {
		metrics.SetRunning(false)
	}
	metrics.IncExit()
	rec := history.Record{Name: s.name(), PID: p.PID(), ExitCode: code}
	if err := p.ExitErr(); err != nil {
		rec.Error = err.Error()
	}
	s.history.Record(history.EventExit, rec)
	s.logger.Info("tunnel process exited", "pid", p.PID(), "code", code)
}

func (s *Supervisor) rememberName(name string) string {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	if name != "" {
		s.lastName = name
	}
	return s.lastName
}

func (s *Supervisor) name() string {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	return s.lastName
}
