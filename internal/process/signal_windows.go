//go:build windows

package process

import "os"

// Windows has no SIGTERM; both paths end the process immediately.
func terminate(p *os.Process) error { return p.Kill() }

func kill(p *os.Process) error { return p.Kill() }
