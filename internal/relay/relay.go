// Package relay fans tunnel log and lifecycle events out to subscribers.
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/tunnelpanel/internal/metrics"
)

// Type is the kind of a relayed event.
type Type string

const (
	TypeStdout Type = "stdout"
	TypeStderr Type = "stderr"
	TypeError  Type = "error"
	TypeExit   Type = "exit"
	// TypeConfig reports that the tunnel config.yml changed on disk.
	TypeConfig Type = "config"
)

// Event is one relayed log line or lifecycle notification.
type Event struct {
	Type    Type      `json:"type"`
	Message string    `json:"message,omitempty"`
	Code    *int      `json:"code,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Time    time.Time `json:"time"`
}

func Log(t Type, pid int, msg string) Event {
	return Event{Type: t, Message: msg, PID: pid, Time: time.Now()}
}

func Exit(pid, code int) Event {
	c := code
	return Event{Type: TypeExit, Code: &c, PID: pid, Time: time.Now()}
}

// IsLog reports whether e carries a text message for the log view.
func (e Event) IsLog() bool { return e.Type != TypeExit && e.Type != TypeConfig }

// Relay delivers events best-effort: a subscriber whose buffer is full misses
// the event, and Publish never blocks.
type Relay struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Int64
	sent    atomic.Int64
}

func New() *Relay {
	return &Relay{subs: make(map[*Subscription]struct{})}
}

// Subscription is a registered receiver. Events arrive on C until Close.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	relay  *Relay
	closed bool
}

const DefaultBuffer = 256

// Subscribe registers a receiver with the given buffer size. On a closed relay
// the returned subscription's channel is already closed.
func (r *Relay) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, relay: r}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.closed = true
		close(ch)
		return s
	}
	r.subs[s] = struct{}{}
	return s
}

// Close unregisters the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	r := s.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(r.subs, s)
	close(s.ch)
}

// Publish delivers e to every subscriber that has room for it.
func (r *Relay) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for s := range r.subs {
		select {
		case s.ch <- e:
			r.sent.Add(1)
		default:
			r.dropped.Add(1)
			metrics.IncRelayDropped(string(e.Type))
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dropped is the number of deliveries skipped because a buffer was full.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Delivered is the number of successful deliveries.
func (r *Relay) Delivered() int64 { return r.sent.Load() }

// Close closes every subscription. Later publishes are discarded.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for s := range r.subs {
		s.closed = true
		close(s.ch)
	}
	r.subs = nil
}
