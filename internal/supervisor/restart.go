package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/tunnelpanel/internal/detector"
	"github.com/loykin/tunnelpanel/internal/history"
	"github.com/loykin/tunnelpanel/internal/metrics"
	"github.com/loykin/tunnelpanel/internal/relay"
)

// RestartOptions tune one restart. Zero values select the supervisor defaults.
type RestartOptions struct {
	MaxRetries int
	RetryDelay time.Duration
	Name       string
}

// RestartResult describes a successful restart.
type RestartResult struct {
	PID     int `json:"pid"`
	Attempt int `json:"attempt"`
}

// Restart stops the current tunnel, waits for the settle delay and then tries
// up to MaxRetries launches with confirmed startup detection. It cannot be
// cancelled; concurrent Start, Stop and Restart calls fail with
// ErrRestartInProgress until it returns.
func (s *Supervisor) Restart(o RestartOptions) (RestartResult, error) {
	if s.closed.Load() {
		return RestartResult{}, ErrClosed
	}
	if !s.restarting.CompareAndSwap(false, true) {
		return RestartResult{}, ErrRestartInProgress
	}
	defer s.restarting.Store(false)
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	maxRetries := o.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries()
	}
	delay := o.RetryDelay
	if delay <= 0 {
		delay = s.retryDelay()
	}
	name := s.rememberName(o.Name)

	// Detach before terminating so the old process's exit cannot touch the
	// slot the new attempts will use.
	s.launchMu.Lock()
	old, _ := s.slot.Take()
	s.launchMu.Unlock()
	if old != nil && old.Alive() {
		s.logger.Info("restart: stopping current tunnel", "pid", old.PID())
		forced := s.seq.Terminate(old)
		metrics.IncStop(forced)
		s.history.Record(history.EventStop, history.Record{Name: name, PID: old.PID(), ExitCode: old.ExitCode(), Forced: forced})
	}
	metrics.SetRunning(false)
	time.Sleep(orDefault(s.opts.Settle, DefaultSettle))

	policy := detector.Confirmed{Window: s.opts.ConfirmWindow, Markers: s.opts.Markers}
	var (
		last     error
		attempts int
	)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		pid, err := s.launch(name, policy, "restart", attempt)
		if err == nil {
			metrics.IncRestartAttempt("succeeded")
			s.history.Record(history.EventRestartSucceeded, history.Record{Name: name, PID: pid, Attempt: attempt})
			return RestartResult{PID: pid, Attempt: attempt}, nil
		}
		last = err
		metrics.IncRestartAttempt("failed")

		next := "Retrying..."
		if attempt == maxRetries {
			next = "Giving up."
		}
		msg := fmt.Sprintf("Restart attempt %d/%d failed: %v. %s", attempt, maxRetries, err, next)
		s.relay.Publish(relay.Log(relay.TypeStderr, 0, msg))
		s.logger.Warn("restart attempt failed", "attempt", attempt, "max", maxRetries, "error", err)

		rec := history.Record{Name: name, Attempt: attempt, Error: err.Error()}
		var se *StartupError
		if errors.As(err, &se) {
			rec.PID = se.PID
		}
		s.history.Record(history.EventRestartFailed, rec)

		if errors.Is(err, ErrClosed) || attempt == maxRetries {
			break
		}
		time.Sleep(delay)
	}

	exhausted := &RestartExhaustedError{Attempts: attempts, Last: last}
	s.history.Record(history.EventRestartExhausted, history.Record{Name: name, Attempt: attempts, Error: exhausted.Error()})
	return RestartResult{}, exhausted
}

func (s *Supervisor) maxRetries() int {
	if s.opts.MaxRetries > 0 {
		return s.opts.MaxRetries
	}
	return DefaultMaxRetries
}

func (s *Supervisor) retryDelay() time.Duration {
	return orDefault(s.opts.RetryDelay, DefaultRetryDelay)
}
