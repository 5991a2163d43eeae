// Package history exports tunnel lifecycle events to external stores.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart            EventType = "start"
	EventStop             EventType = "stop"
	EventExit             EventType = "exit"
	EventRestartFailed    EventType = "restart_attempt_failed"
	EventRestartExhausted EventType = "restart_exhausted"
	EventRestartSucceeded EventType = "restart_succeeded"
)

// Record is the payload of a lifecycle event.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Attempt  int    `json:"attempt,omitempty"`
	ExitCode int    `json:"exit_code"`
	Forced   bool   `json:"forced,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Lister is implemented by sinks that can read back recent events.
type Lister interface {
	List(ctx context.Context, limit int) ([]Event, error)
}

// Recorder queues events and forwards them to every sink from a single
// goroutine. Sink errors are logged and never reach the caller; when the queue
// is full the event is dropped.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	queue chan Event
	wg    sync.WaitGroup
	mu    sync.RWMutex
	done  bool
}

const (
	defaultQueue   = 256
	defaultTimeout = 5 * time.Second
)

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		logger:  logger,
		timeout: defaultTimeout,
		queue:   make(chan Event, defaultQueue),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues e. A nil Recorder discards events.
func (r *Recorder) Record(typ EventType, rec Record) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	e := Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.done {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "type", typ)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// List reads back from the first sink that supports it.
func (r *Recorder) List(ctx context.Context, limit int) ([]Event, error) {
	if r != nil {
		for _, s := range r.sinks {
			if l, ok := s.(Lister); ok {
				return l.List(ctx, limit)
			}
		}
	}
	return nil, ErrNotListable
}

var ErrNotListable = errors.New("no history sink supports listing")

// Close drains the queue and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	r.done = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
