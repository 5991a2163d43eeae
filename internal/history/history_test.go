package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) List(_ context.Context, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.events) {
		limit = len(m.events)
	}
	return append([]Event(nil), m.events[len(m.events)-limit:]...), nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

type sendOnly struct{ n int }

func (s *sendOnly) Send(context.Context, Event) error {
	s.n++
	return nil
}

func TestRecorderFansOutAndCloses(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("db down")}
	r := NewRecorder(nil, a, b)

	r.Record(EventStart, Record{Name: "home", PID: 10})
	r.Record(EventExit, Record{Name: "home", PID: 10, ExitCode: 1})
	require.NoError(t, r.Close())

	require.Len(t, a.events, 2)
	require.Len(t, b.events, 2, "a failing sink still receives every event")
	assert.Equal(t, EventStart, a.events[0].Type)
	assert.Equal(t, 1, a.events[1].Record.ExitCode)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.True(t, a.closed)
	assert.True(t, b.closed)

	// After Close events are discarded.
	r.Record(EventStop, Record{})
	assert.Len(t, a.events, 2)
	assert.NoError(t, r.Close())
}

func TestRecorderList(t *testing.T) {
	s := &sendOnly{}
	m := &memSink{}
	r := NewRecorder(nil, s, m)
	r.Record(EventStart, Record{PID: 1})
	r.Record(EventStop, Record{PID: 1})
	require.NoError(t, r.Close())

	evs, err := r.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventStop, evs[0].Type)
	assert.Equal(t, 2, s.n)

	_, err = NewRecorder(nil, &sendOnly{}).List(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNotListable)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(EventStart, Record{})
	assert.NoError(t, r.Close())
	_, err := r.List(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotListable)
}
