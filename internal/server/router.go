package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelpanel/internal/cloudflared"
	"github.com/loykin/tunnelpanel/internal/history"
	"github.com/loykin/tunnelpanel/internal/metrics"
	"github.com/loykin/tunnelpanel/internal/netcheck"
	"github.com/loykin/tunnelpanel/internal/process"
	"github.com/loykin/tunnelpanel/internal/relay"
	"github.com/loykin/tunnelpanel/internal/supervisor"
)

// Tunnel is the supervisor surface the router drives.
type Tunnel interface {
	Start(name string) (int, error)
	Stop() error
	Restart(o supervisor.RestartOptions) (supervisor.RestartResult, error)
	Status() supervisor.Status
	Restarting() bool
	Relay() *relay.Relay
}

// Options wire the router's collaborators. Only Tunnel is required; routes
// whose collaborator is nil answer 501.
type Options struct {
	BasePath   string
	ConfigPath string // cloudflared config.yml

	Tunnel      Tunnel
	Cloudflared *cloudflared.Client
	Net         *netcheck.Checker
	History     *history.Recorder
	Resources   *metrics.ResourceCollector
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Router provides embeddable HTTP handlers for the tunnel panel.
// Endpoints (relative to basePath):
//
//	POST /tunnel/start      body: {"name": "..."} (optional)
//	POST /tunnel/stop
//	POST /tunnel/restart    body: {"max_retries": 3, "retry_delay_ms": 2000}
//	GET  /tunnel/status
//	GET  /tunnel/events     server-sent events
//	GET  /tunnel/resources
//	GET  /tunnels
//	GET  /config, PUT /config
//	GET  /ingress, PUT /ingress
//	POST /dns/route, DELETE /dns/route, POST /dns/sync, GET /dns/check
//	GET  /port/check, GET /port/listening
//	GET  /auth, POST /auth/login, POST /auth/logout
//	GET  /history
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	opts     Options
	basePath string
	logger   *slog.Logger
}

// NewRouter constructs a new Router.
func NewRouter(opts Options) *Router {
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if opts.Net == nil {
		opts.Net = &netcheck.Checker{}
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), logger: lg}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Metrics != nil {
		g.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}
	group := g.Group(r.basePath)
	group.POST("/tunnel/start", r.handleStart)
	group.POST("/tunnel/stop", r.handleStop)
	group.POST("/tunnel/restart", r.handleRestart)
	group.GET("/tunnel/status", r.handleStatus)
	group.GET("/tunnel/events", r.handleEvents)
	group.GET("/tunnel/resources", r.handleResources)
	group.GET("/tunnels", r.handleTunnels)

	group.GET("/config", r.handleGetConfig)
	group.PUT("/config", r.handlePutConfig)
	group.GET("/ingress", r.handleGetIngress)
	group.PUT("/ingress", r.handlePutIngress)

	group.POST("/dns/route", r.handleRouteDNS)
	group.DELETE("/dns/route", r.handleDeleteDNS)
	group.POST("/dns/sync", r.handleSyncDNS)
	group.GET("/dns/check", r.handleCheckDNS)
	group.GET("/port/check", r.handleCheckPort)
	group.GET("/port/listening", r.handleListening)

	group.GET("/auth", r.handleAuth)
	group.POST("/auth/login", r.handleLogin)
	group.POST("/auth/logout", r.handleLogout)
	group.GET("/history", r.handleHistory)
	return g
}

// Timeouts bound a standalone server. A zero WriteTimeout leaves writes
// unbounded, which the event stream needs.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

// NewServer returns an http.Server for addr using this router. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr string, r *Router, t Timeouts) *http.Server {
	read := t.Read
	if read <= 0 {
		read = 15 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       read,
		WriteTimeout:      t.Write,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type okResp struct {
	Success bool `json:"success"`
}

func fail(c *gin.Context, code int, err error) {
	writeJSON(c, code, errorResp{Error: err.Error()})
}

// statusFor maps supervisor errors onto HTTP status codes.
func statusFor(err error) int {
	var startup *supervisor.StartupError
	var spawn *process.SpawnError
	var exhausted *supervisor.RestartExhaustedError
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrRestartInProgress):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &startup), errors.As(err, &spawn), errors.As(err, &exhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// bindOptional decodes a JSON body that may be absent.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type startReq struct {
	Name string `json:"name"`
}

type startResp struct {
	Success bool `json:"success"`
	PID     int  `json:"pid"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if err := bindOptional(c, &req); err != nil {
		fail(c, http.StatusBadRequest, errors.New("invalid JSON: "+err.Error()))
		return
	}
	if req.Name != "" && !isSafeName(req.Name) {
		fail(c, http.StatusBadRequest, errors.New("invalid name: allowed [A-Za-z0-9._-], no '..' and no leading '-'"))
		return
	}
	pid, err := r.opts.Tunnel.Start(req.Name)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	writeJSON(c, http.StatusOK, startResp{Success: true, PID: pid})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.opts.Tunnel.Stop(); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{Success: true})
}

type restartReq struct {
	Name         string `json:"name"`
	MaxRetries   int    `json:"max_retries"`
	RetryDelayMS int    `json:"retry_delay_ms"`
}

type restartResp struct {
	Success bool `json:"success"`
	PID     int  `json:"pid"`
	Attempt int  `json:"attempt"`
}

func (r *Router) handleRestart(c *gin.Context) {
	var req restartReq
	if err := bindOptional(c, &req); err != nil {
		fail(c, http.StatusBadRequest, errors.New("invalid JSON: "+err.Error()))
		return
	}
	if req.MaxRetries < 0 || req.RetryDelayMS < 0 {
		fail(c, http.StatusBadRequest, errors.New("max_retries and retry_delay_ms must not be negative"))
		return
	}
	if req.Name != "" && !isSafeName(req.Name) {
		fail(c, http.StatusBadRequest, errors.New("invalid name"))
		return
	}
	res, err := r.opts.Tunnel.Restart(supervisor.RestartOptions{
		MaxRetries: req.MaxRetries,
		RetryDelay: time.Duration(req.RetryDelayMS) * time.Millisecond,
		Name:       req.Name,
	})
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	writeJSON(c, http.StatusOK, restartResp{Success: true, PID: res.PID, Attempt: res.Attempt})
}

type statusResp struct {
	supervisor.Status
	Restarting bool `json:"restarting"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, statusResp{Status: r.opts.Tunnel.Status(), Restarting: r.opts.Tunnel.Restarting()})
}

type resourcesResp struct {
	Enabled bool             `json:"enabled"`
	Latest  *metrics.Sample  `json:"latest,omitempty"`
	History []metrics.Sample `json:"history"`
}

func (r *Router) handleResources(c *gin.Context) {
	rc := r.opts.Resources
	if rc == nil || !rc.Enabled() {
		writeJSON(c, http.StatusOK, resourcesResp{History: []metrics.Sample{}})
		return
	}
	resp := resourcesResp{Enabled: true, History: rc.History()}
	if s, ok := rc.Latest(); ok {
		resp.Latest = &s
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if r.opts.History == nil {
		fail(c, http.StatusNotImplemented, history.ErrNotListable)
		return
	}
	events, err := r.opts.History.List(c.Request.Context(), limit)
	if errors.Is(err, history.ErrNotListable) {
		fail(c, http.StatusNotImplemented, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
