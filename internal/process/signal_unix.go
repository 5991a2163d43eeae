//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminate sends SIGTERM to the child's process group so helpers spawned by
// cloudflared go down with it. Falls back to the single process when the group
// signal is refused.
func terminate(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}

func kill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}
