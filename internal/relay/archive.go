package relay

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Archive copies relayed tunnel output into files. stdout lines go to Stdout;
// stderr, error and exit records go to Stderr. A nil writer discards its stream.
type Archive struct {
	Stdout io.WriteCloser
	Stderr io.WriteCloser
	Logger *slog.Logger

	sub  *Subscription
	wg   sync.WaitGroup
	once sync.Once
}

// Attach subscribes the archive to r and starts copying in the background.
func (a *Archive) Attach(r *Relay, buffer int) {
	a.sub = r.Subscribe(buffer)
	a.wg.Add(1)
	go a.run()
}

func (a *Archive) run() {
	defer a.wg.Done()
	for e := range a.sub.C {
		w := a.Stderr
		if e.Type == TypeStdout {
			w = a.Stdout
		}
		if w == nil {
			continue
		}
		if _, err := io.WriteString(w, formatLine(e)); err != nil && a.Logger != nil {
			a.Logger.Warn("tunnel log archive write failed", "error", err)
		}
	}
}

func formatLine(e Event) string {
	ts := e.Time.UTC().Format(time.RFC3339Nano)
	if e.Type == TypeExit && e.Code != nil {
		return fmt.Sprintf("%s [exit] pid=%d code=%d\n", ts, e.PID, *e.Code)
	}
	return fmt.Sprintf("%s [%s] %s\n", ts, e.Type, e.Message)
}

// Close detaches from the relay, waits for pending lines and closes the writers.
func (a *Archive) Close() error {
	var err error
	a.once.Do(func() {
		if a.sub != nil {
			a.sub.Close()
		}
		a.wg.Wait()
		for _, w := range []io.WriteCloser{a.Stdout, a.Stderr} {
			if w != nil {
				if cerr := w.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}
		}
	})
	return err
}
