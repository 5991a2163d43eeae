// Package detector decides whether a freshly spawned tunnel process came up.
//
// Neither policy proves the tunnel is healthy. cloudflared has no readiness
// signal beyond its log output, so success means the process survived a fixed
// observation window and is still the supervisor's current occupant.
package detector

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	SimpleWindow    = 1000 * time.Millisecond
	ConfirmedWindow = 2000 * time.Millisecond

	ReasonExitedImmediately = "Process exited immediately"

	// DrainWait bounds how long an exit verdict waits for output that was
	// written before the exit but not yet observed.
	DrainWait = 250 * time.Millisecond
)

// DefaultMarkers are the cloudflared log fragments that indicate an edge
// connection was registered.
var DefaultMarkers = []string{"Registered tunnel connection", "Connection registered"}

// Target is the part of a process the detector observes.
type Target interface {
	PID() int
	Alive() bool
	Done() <-chan struct{}
	ExitCode() int
}

// Outcome is the verdict of one detection run.
type Outcome struct {
	Started bool
	PID     int
	Reason  string
	// Registered is set when a success marker was seen before the verdict.
	Registered bool
}

func Started(pid int, registered bool) Outcome {
	return Outcome{Started: true, PID: pid, Registered: registered}
}

func Failed(reason string) Outcome {
	if reason == "" {
		reason = ReasonExitedImmediately
	}
	return Outcome{Reason: reason}
}

func (o Outcome) String() string {
	if o.Started {
		return fmt.Sprintf("started pid=%d", o.PID)
	}
	return "failed: " + o.Reason
}

// ExitReason renders the failure reason for a process that exited with code.
func ExitReason(code int) string {
	if code < 0 {
		return "Process terminated by signal"
	}
	return fmt.Sprintf("Process exited with code %d", code)
}

// Watch scans output for success markers. A nil *Watch ignores everything and
// never reports a match.
type Watch struct {
	markers []string
	once    sync.Once
	seen    chan struct{}

	finishOnce sync.Once
	finished   chan struct{}
}

func NewWatch(markers []string) *Watch {
	return &Watch{markers: markers, seen: make(chan struct{}), finished: make(chan struct{})}
}

// Finish marks the end of the output stream. It is safe to call more than once.
func (w *Watch) Finish() {
	if w == nil {
		return
	}
	w.finishOnce.Do(func() { close(w.finished) })
}

// settle waits up to d for Finish.
func (w *Watch) settle(d time.Duration) {
	if w == nil {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.finished:
	case <-t.C:
	}
}

// Observe checks one chunk of output. Matching is a case-sensitive substring test.
func (w *Watch) Observe(text string) {
	if w == nil {
		return
	}
	for _, m := range w.markers {
		if m != "" && strings.Contains(text, m) {
			w.once.Do(func() { close(w.seen) })
			return
		}
	}
}

func (w *Watch) Seen() bool {
	if w == nil {
		return false
	}
	select {
	case <-w.seen:
		return true
	default:
		return false
	}
}

// Policy is a startup detection strategy.
type Policy interface {
	// NewWatch returns the marker watch to feed with the process output, or nil
	// when the policy does not look at output.
	NewWatch() *Watch
	// Detect blocks until a verdict. owned reports whether t is still the
	// supervisor's current occupant.
	Detect(t Target, w *Watch, owned func() bool) Outcome
}

// Simple is used by plain starts: the process must survive Window.
type Simple struct {
	Window time.Duration
}

func (Simple) NewWatch() *Watch { return nil }

func (s Simple) Detect(t Target, _ *Watch, owned func() bool) Outcome {
	if exited := waitWindow(t, orDefault(s.Window, SimpleWindow)); exited {
		return Failed(ExitReason(t.ExitCode()))
	}
	return verdict(t, nil, owned)
}

// Confirmed is used by restart attempts. It also scans output for Markers. A
// marker only changes the failure reason; success still requires the process
// to be alive and owned at the end of Window.
type Confirmed struct {
	Window  time.Duration
	Markers []string
	// Drain bounds the wait for Finish after an early exit. Zero means DrainWait.
	Drain time.Duration
}

func (c Confirmed) NewWatch() *Watch {
	markers := c.Markers
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	return NewWatch(markers)
}

func (c Confirmed) Detect(t Target, w *Watch, owned func() bool) Outcome {
	if exited := waitWindow(t, orDefault(c.Window, ConfirmedWindow)); exited {
		// Output written just before the exit may still be in flight.
		if !w.Seen() {
			w.settle(orDefault(c.Drain, DrainWait))
		}
		if w.Seen() {
			return Failed(ReasonExitedImmediately)
		}
		return Failed(ExitReason(t.ExitCode()))
	}
	return verdict(t, w, owned)
}

// waitWindow races the window timer against process exit.
func waitWindow(t Target, d time.Duration) (exited bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.Done():
		return true
	case <-timer.C:
		return false
	}
}

func verdict(t Target, w *Watch, owned func() bool) Outcome {
	if t.Alive() && (owned == nil || owned()) {
		return Started(t.PID(), w.Seen())
	}
	return Failed(ReasonExitedImmediately)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
