package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/tunnelpanel/internal/process"
)

const (
	DefaultGrace    = 5000 * time.Millisecond
	DefaultKillReap = 200 * time.Millisecond
)

// Sequencer terminates processes: SIGTERM, then SIGKILL once Grace expires.
// Concurrent calls for the same process share one sequence.
type Sequencer struct {
	Grace    time.Duration
	KillReap time.Duration
	Logger   *slog.Logger

	mu       sync.Mutex
	inflight map[process.Process]*termination
}

type termination struct {
	done   chan struct{}
	forced bool
}

// Terminate blocks until p has exited or the post-kill reap window passed.
// It reports whether SIGKILL was needed.
func (q *Sequencer) Terminate(p process.Process) bool {
	if p == nil {
		return false
	}
	q.mu.Lock()
	if q.inflight == nil {
		q.inflight = make(map[process.Process]*termination)
	}
	if t, ok := q.inflight[p]; ok {
		q.mu.Unlock()
		<-t.done
		return t.forced
	}
	t := &termination{done: make(chan struct{})}
	q.inflight[p] = t
	q.mu.Unlock()

	t.forced = q.run(p)

	q.mu.Lock()
	delete(q.inflight, p)
	q.mu.Unlock()
	close(t.done)
	return t.forced
}

func (q *Sequencer) run(p process.Process) bool {
	select {
	case <-p.Done():
		return false
	default:
	}
	log := q.logger()
	if err := p.Terminate(); err != nil {
		log.Debug("SIGTERM failed", "pid", p.PID(), "error", err)
	}

	grace := time.NewTimer(orDefault(q.Grace, DefaultGrace))
	defer grace.Stop()
	select {
	case <-p.Done():
		return false
	case <-grace.C:
	}

	log.Warn("tunnel did not exit within grace period, killing", "pid", p.PID())
	if err := p.Kill(); err != nil {
		log.Debug("SIGKILL failed", "pid", p.PID(), "error", err)
	}
	reap := time.NewTimer(orDefault(q.KillReap, DefaultKillReap))
	defer reap.Stop()
	select {
	case <-p.Done():
	case <-reap.C:
		log.Warn("tunnel not reaped after SIGKILL", "pid", p.PID())
	}
	return true
}

func (q *Sequencer) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
