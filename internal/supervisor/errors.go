package supervisor

import (
	"errors"
	"fmt"

	"github.com/loykin/tunnelpanel/internal/detector"
)

var (
	ErrAlreadyRunning    = errors.New("tunnel is already running")
	ErrRestartInProgress = errors.New("tunnel restart in progress")
	ErrClosed            = errors.New("supervisor is closed")
)

// StartupError is returned when a spawned process fails startup detection.
type StartupError struct {
	PID    int
	Reason string
}

func (e *StartupError) Error() string { return e.Reason }

// Immediate reports whether the process died without a recorded exit reason.
func (e *StartupError) Immediate() bool { return e.Reason == detector.ReasonExitedImmediately }

// RestartExhaustedError is returned when every restart attempt failed.
type RestartExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RestartExhaustedError) Error() string {
	return fmt.Sprintf("Failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RestartExhaustedError) Unwrap() error { return e.Last }
