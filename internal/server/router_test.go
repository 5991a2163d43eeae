package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelpanel/internal/cloudflared"
	"github.com/loykin/tunnelpanel/internal/history"
	"github.com/loykin/tunnelpanel/internal/netcheck"
	"github.com/loykin/tunnelpanel/internal/relay"
	"github.com/loykin/tunnelpanel/internal/supervisor"
	"github.com/loykin/tunnelpanel/internal/tunnelcfg"
)

type fakeTunnel struct {
	mu         sync.Mutex
	relay      *relay.Relay
	running    bool
	pid        int
	startErr   error
	restartErr error
	lastName   string
	lastOpts   supervisor.RestartOptions
}

func newFakeTunnel() *fakeTunnel { return &fakeTunnel{relay: relay.New()} }

func (f *fakeTunnel) Start(name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastName = name
	if f.startErr != nil {
		return 0, f.startErr
	}
	if f.running {
		return 0, supervisor.ErrAlreadyRunning
	}
	f.running, f.pid = true, 4321
	return f.pid, nil
}

func (f *fakeTunnel) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running, f.pid = false, 0
	return nil
}

func (f *fakeTunnel) Restart(o supervisor.RestartOptions) (supervisor.RestartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = o
	if f.restartErr != nil {
		return supervisor.RestartResult{}, f.restartErr
	}
	f.running, f.pid = true, 4322
	return supervisor.RestartResult{PID: f.pid, Attempt: 2}, nil
}

func (f *fakeTunnel) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return supervisor.Status{Running: f.running, PID: f.pid}
}

func (f *fakeTunnel) Restarting() bool     { return false }
func (f *fakeTunnel) Relay() *relay.Relay { return f.relay }

type scriptedRunner struct {
	mu    sync.Mutex
	out   map[string]string // joined args -> stderr
	calls []string
}

func (s *scriptedRunner) Run(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	key := strings.Join(args, " ")
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.mu.Unlock()
	if key == "tunnel list --output json" {
		return []byte(`[{"id":"abc","name":"home","created_at":"2024-05-01T10:00:00Z","connections":[]}]`), nil, nil
	}
	return nil, []byte(s.out[key]), nil
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) List(_ context.Context, limit int) ([]history.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.events) {
		limit = len(m.events)
	}
	return append([]history.Event(nil), m.events[:limit]...), nil
}

type fixture struct {
	tunnel *fakeTunnel
	runner *scriptedRunner
	cfg    string
	h      http.Handler
}

func setup(t *testing.T, base string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	f := &fixture{
		tunnel: newFakeTunnel(),
		runner: &scriptedRunner{out: map[string]string{}},
		cfg:    filepath.Join(dir, "config.yml"),
	}
	r := NewRouter(Options{
		BasePath:    base,
		ConfigPath:  f.cfg,
		Tunnel:      f.tunnel,
		Cloudflared: &cloudflared.Client{Binary: "cloudflared", Dir: dir, Runner: f.runner},
		Net:         &netcheck.Checker{},
		Metrics:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") }),
	})
	f.h = r.Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestStartStopStatus(t *testing.T) {
	f := setup(t, "/api")

	rec := doReq(t, f.h, http.MethodPost, "/api/tunnel/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"success": true, "pid": float64(4321)}, decode(t, rec))

	rec = doReq(t, f.h, http.MethodPost, "/api/tunnel/start", startReq{Name: "home"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "tunnel is already running", decode(t, rec)["error"])
	assert.Equal(t, "home", f.tunnel.lastName)

	rec = doReq(t, f.h, http.MethodGet, "/api/tunnel/status", nil)
	assert.Equal(t, map[string]any{"running": true, "pid": float64(4321), "restarting": false}, decode(t, rec))

	rec = doReq(t, f.h, http.MethodPost, "/api/tunnel/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, f.h, http.MethodGet, "/api/tunnel/status", nil)
	assert.Equal(t, false, decode(t, rec)["running"])
}

func TestStartRejectsUnsafeName(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodPost, "/tunnel/start", startReq{Name: "--config=/etc/passwd"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.tunnel.lastName)
}

func TestStartupFailureMapsToBadGateway(t *testing.T) {
	f := setup(t, "")
	f.tunnel.startErr = &supervisor.StartupError{PID: 7, Reason: "Process exited with code 1"}
	rec := doReq(t, f.h, http.MethodPost, "/tunnel/start", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, map[string]any{"success": false, "error": "Process exited with code 1"}, decode(t, rec))
}

func TestRestart(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodPost, "/tunnel/restart", restartReq{MaxRetries: 5, RetryDelayMS: 100})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"success": true, "pid": float64(4322), "attempt": float64(2)}, decode(t, rec))
	assert.Equal(t, supervisor.RestartOptions{MaxRetries: 5, RetryDelay: 100 * time.Millisecond}, f.tunnel.lastOpts)

	f.tunnel.restartErr = &supervisor.RestartExhaustedError{Attempts: 3, Last: errors.New("Process exited immediately")}
	rec = doReq(t, f.h, http.MethodPost, "/tunnel/restart", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed after 3 attempts: Process exited immediately", decode(t, rec)["error"])

	f.tunnel.restartErr = supervisor.ErrRestartInProgress
	rec = doReq(t, f.h, http.MethodPost, "/tunnel/restart", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, f.h, http.MethodPost, "/tunnel/restart", restartReq{MaxRetries: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigGetPut(t *testing.T) {
	f := setup(t, "/api")

	rec := doReq(t, f.h, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["exists"])

	rec = doReq(t, f.h, http.MethodPut, "/api/config", putConfigReq{Raw: "tunnel: abc\nprotocol: quic\n"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode(t, rec)["backup"])

	cfg := &tunnelcfg.Config{Tunnel: "abc", Ingress: []tunnelcfg.IngressRule{{Service: "http_status:404"}}}
	rec = doReq(t, f.h, http.MethodPut, "/api/config", putConfigReq{Config: cfg})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["backup"])

	b, err := os.ReadFile(f.cfg)
	require.NoError(t, err)
	assert.Contains(t, string(b), "protocol: quic", "unknown keys survive a structured save")
	assert.Contains(t, string(b), "http_status:404")

	rec = doReq(t, f.h, http.MethodPut, "/api/config", putConfigReq{Raw: "ingress: [\n"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doReq(t, f.h, http.MethodPut, "/api/config", putConfigReq{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngressRoundTrip(t *testing.T) {
	f := setup(t, "")
	items := []tunnelcfg.ProxyItem{{Hostname: "app.example.com", LocalHost: "localhost", LocalPort: 8080}}
	rec := doReq(t, f.h, http.MethodPut, "/ingress", items)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, f.h, http.MethodGet, "/ingress?probe=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []tunnelcfg.ProxyItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ingress-0", got[0].ID)
	assert.Equal(t, "http://localhost:8080", got[0].Service)
	assert.Equal(t, tunnelcfg.StatusStopped, got[0].Status)

	// Stopped tunnel: no probing happens.
	rec = doReq(t, f.h, http.MethodGet, "/ingress", nil)
	var probed []netcheck.IngressStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &probed))
	require.Len(t, probed, 1)
	assert.Equal(t, netcheck.DNSPending, probed[0].DNSStatus)

	rec = doReq(t, f.h, http.MethodPut, "/ingress", []tunnelcfg.ProxyItem{{Hostname: "bad host", LocalPort: 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteDNSUsesConfiguredTunnel(t *testing.T) {
	f := setup(t, "")
	require.NoError(t, os.WriteFile(f.cfg, []byte("tunnel: abc\n"), 0o600))
	f.runner.out["tunnel route dns abc app.example.com"] = "INF Added CNAME app.example.com which will route to this tunnel"

	rec := doReq(t, f.h, http.MethodPost, "/dns/route", routeReq{Hostname: "app.example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "configured", body["status"])

	rec = doReq(t, f.h, http.MethodPost, "/dns/route", routeReq{Hostname: "app.example.com; rm -rf /"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteDNSNeedsTunnelID(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodPost, "/dns/route", routeReq{Hostname: "app.example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncDNS(t *testing.T) {
	f := setup(t, "")
	require.NoError(t, os.WriteFile(f.cfg, []byte("tunnel: abc\ningress:\n  - hostname: a.example.com\n    service: http://localhost:1\n  - service: http_status:404\n"), 0o600))
	f.runner.out["tunnel route dns -f abc a.example.com"] = "INF a.example.com is already configured to route to your tunnel"

	rec := doReq(t, f.h, http.MethodPost, "/dns/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String(), "nothing is routed while stopped")

	_, err := f.tunnel.Start("")
	require.NoError(t, err)
	rec = doReq(t, f.h, http.MethodPost, "/dns/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res []syncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res, 1)
	assert.Equal(t, "a.example.com", res[0].Hostname)
	assert.True(t, res[0].AlreadyExists)
}

func TestDeleteDNSIsManual(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodDelete, "/dns/route?hostname=app.example.com", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, true, decode(t, rec)["manual"])
}

func TestTunnelsAndAuth(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodGet, "/tunnels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tr tunnelsResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	require.Len(t, tr.Tunnels, 1)
	assert.Equal(t, "home", tr.Tunnels[0].Name)

	rec = doReq(t, f.h, http.MethodGet, "/auth", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["loggedIn"])

	rec = doReq(t, f.h, http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPortParams(t *testing.T) {
	f := setup(t, "")
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodGet, "/port/check?port=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodGet, "/port/listening?port=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, f.h, http.MethodGet, "/dns/check?hostname=", nil).Code)
}

func TestHistoryAndMetrics(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodGet, "/history", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	sink := &memSink{}
	rcd := history.NewRecorder(nil, sink)
	rcd.Record(history.EventStart, history.Record{Name: "home", PID: 9})
	require.NoError(t, rcd.Close())

	gin.SetMode(gin.TestMode)
	h := NewRouter(Options{Tunnel: newFakeTunnel(), History: history.NewRecorder(nil, sink)}).Handler()
	rec = doReq(t, h, http.MethodGet, "/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var events []history.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, history.EventStart, events[0].Type)

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/history?limit=-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, "ok", doReq(t, f.h, http.MethodGet, "/metrics", nil).Body.String())
}

func TestResourcesDisabled(t *testing.T) {
	f := setup(t, "")
	rec := doReq(t, f.h, http.MethodGet, "/tunnel/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])
}

func TestEventsStream(t *testing.T) {
	f := setup(t, "/api")
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/tunnel/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	rl := f.tunnel.relay
	require.Eventually(t, func() bool { return rl.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	rl.Publish(relay.Log(relay.TypeStderr, 4321, "INF Registered tunnel connection"))
	rl.Publish(relay.Exit(4321, 0))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() && len(lines) < 4 {
		if l := sc.Text(); l != "" {
			lines = append(lines, l)
		}
	}
	require.Len(t, lines, 4)
	assert.Equal(t, "event:stderr", lines[0])
	assert.Contains(t, lines[1], `"message":"INF Registered tunnel connection"`)
	assert.Equal(t, "event:exit", lines[2])
	assert.Contains(t, lines[3], `"code":0`)

	cancel()
	require.Eventually(t, func() bool { return rl.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
