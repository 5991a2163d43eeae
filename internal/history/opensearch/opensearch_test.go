package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelpanel/internal/history"
)

func TestSendPostsDocument(t *testing.T) {
	var gotPath, gotMethod, gotType string
	var got history.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod, gotType = r.URL.Path, r.Method, r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(srv.URL+"/", "tunnels")
	e := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: history.Record{Name: "home", PID: 42}}
	require.NoError(t, s.Send(context.Background(), e))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/tunnels/_doc", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, history.EventStart, got.Type)
	assert.Equal(t, 42, got.Record.PID)
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, "").Send(context.Background(), history.Event{Type: history.EventStop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestListDecodesHits(t *testing.T) {
	var gotPath string
	var query map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&query)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_source":{"type":"exit","occurred_at":"2026-01-02T03:04:05Z","record":{"name":"home","pid":7,"exit_code":1}}},
			{"_source":{"type":"start","occurred_at":"2026-01-02T03:00:00Z","record":{"name":"home","pid":7,"exit_code":0}}}
		]}}`))
	}))
	defer srv.Close()

	events, err := New(srv.URL, "").List(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "/tunnel-history/_search", gotPath)
	assert.EqualValues(t, 5, query["size"])
	require.Len(t, events, 2)
	assert.Equal(t, history.EventExit, events[0].Type)
	assert.Equal(t, 1, events[0].Record.ExitCode)
}

func TestUnreachable(t *testing.T) {
	s := New("http://127.0.0.1:1", "x")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, s.Send(ctx, history.Event{Type: history.EventStart}))
}
