package process

import (
	"fmt"
	"os/exec"

	"github.com/loykin/tunnelpanel/internal/env"
)

// Spawner launches subprocesses. The supervisor depends on this interface so
// tests can substitute simulated processes.
type Spawner interface {
	Spawn(name string, args ...string) (Process, error)
}

// ExecSpawner starts real OS processes.
type ExecSpawner struct {
	Env *env.Env // nil inherits the parent environment
	Dir string
}

// SpawnError reports that the executable could not be launched at all.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spawn launches name with args. stdin is discarded; stdout and stderr are
// delivered through the handle's Output channel.
func (s ExecSpawner) Spawn(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = s.Dir
	if s.Env != nil {
		cmd.Env = s.Env.Environ()
	}
	h, err := start(cmd)
	if err != nil {
		return nil, &SpawnError{Name: name, Err: err}
	}
	return h, nil
}
