// Package tunnelpanel supervises a single cloudflared tunnel process and
// serves the control API around it. It is the public entry point for
// embedding; cmd/tunnelpanel is a thin CLI over it.
package tunnelpanel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tunnelpanel/internal/cloudflared"
	"github.com/loykin/tunnelpanel/internal/config"
	"github.com/loykin/tunnelpanel/internal/history"
	"github.com/loykin/tunnelpanel/internal/history/factory"
	"github.com/loykin/tunnelpanel/internal/logger"
	"github.com/loykin/tunnelpanel/internal/metrics"
	"github.com/loykin/tunnelpanel/internal/netcheck"
	"github.com/loykin/tunnelpanel/internal/process"
	"github.com/loykin/tunnelpanel/internal/relay"
	"github.com/loykin/tunnelpanel/internal/server"
	"github.com/loykin/tunnelpanel/internal/supervisor"
	"github.com/loykin/tunnelpanel/internal/tunnelcfg"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Status = supervisor.Status

type RestartOptions = supervisor.RestartOptions

type RestartResult = supervisor.RestartResult

type Event = relay.Event

type Subscription = relay.Subscription

type HistorySink = history.Sink

type HistoryEvent = history.Event

var (
	ErrAlreadyRunning    = supervisor.ErrAlreadyRunning
	ErrRestartInProgress = supervisor.ErrRestartInProgress
	ErrClosed            = supervisor.ErrClosed
)

// LoadConfig reads the application config; an empty path uses defaults and
// TUNNELPANEL_* environment variables only.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Option adjusts how New wires the panel.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	spawner    process.Spawner
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	sinks      []history.Sink
}

// WithLogger replaces the logger built from cfg.Log.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSpawner replaces the os/exec spawner, mainly for tests.
func WithSpawner(s process.Spawner) Option { return func(o *options) { o.spawner = s } }

// WithRegistry registers metrics on r instead of the default registry.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registerer, o.gatherer = r, r }
}

// WithHistorySink adds a sink next to those built from cfg.History.DSNs.
func WithHistorySink(s history.Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s) } }

// Panel is a wired tunnel supervisor with its HTTP API.
type Panel struct {
	cfg       *Config
	logger    *slog.Logger
	sup       *supervisor.Supervisor
	relay     *relay.Relay
	history   *history.Recorder
	resources *metrics.ResourceCollector
	router    *server.Router
	archive   *relay.Archive
	cancel    context.CancelFunc
}

// New wires a Panel from cfg. Nothing is started until Start or Restart is
// called; resource sampling, when enabled, begins immediately.
func New(cfg *Config, opts ...Option) (*Panel, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	o := options{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, fn := range opts {
		fn(&o)
	}
	lg := o.logger
	if lg == nil {
		lg = logger.New(os.Stderr, cfg.Log)
	}

	environ, err := cfg.Cloudflared.Environment()
	if err != nil {
		return nil, fmt.Errorf("cloudflared environment: %w", err)
	}
	spawner := o.spawner
	if spawner == nil {
		spawner = process.ExecSpawner{Env: environ}
	}

	p := &Panel{cfg: cfg, logger: lg, relay: relay.New()}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = metrics.HandlerFor(o.gatherer)
	}

	if cfg.Log.File.Enabled() {
		stdout, stderr, err := cfg.Log.File.Writers("cloudflared")
		if err != nil {
			return nil, err
		}
		p.archive = &relay.Archive{Stdout: stdout, Stderr: stderr, Logger: lg}
		p.archive.Attach(p.relay, 1024)
	}

	// Sinks are opened only after every step that can fail.
	sinks := append(factory.OpenSinks(lg, cfg.History.DSNs), o.sinks...)
	p.history = history.NewRecorder(lg, sinks...)

	s := cfg.Supervisor
	p.sup = supervisor.New(supervisor.Options{
		Binary:        cfg.Cloudflared.Binary,
		ConfigPath:    cfg.Cloudflared.ConfigPath,
		TunnelName:    cfg.Cloudflared.Tunnel,
		StartWindow:   s.StartWindow,
		ConfirmWindow: s.ConfirmWindow,
		Settle:        s.Settle,
		Grace:         s.Grace,
		MaxRetries:    s.MaxRetries,
		RetryDelay:    s.RetryDelay,
		Markers:       s.Markers,
		Spawner:       spawner,
		Relay:         p.relay,
		History:       p.history,
		Logger:        lg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.resources = metrics.NewResourceCollector(cfg.Metrics.Resources)
	if p.resources.Enabled() {
		if cfg.Metrics.Enabled {
			if err := p.resources.RegisterMetrics(o.registerer); err != nil {
				lg.Warn("resource metrics not registered", "error", err)
			}
		}
		p.resources.Start(ctx, func() int { return p.sup.Status().PID })
	}
	if cfg.Cloudflared.WatchConfig && cfg.Cloudflared.ConfigPath != "" {
		path := cfg.Cloudflared.ConfigPath
		err := tunnelcfg.Watch(ctx, path, lg, func() {
			lg.Info("tunnel config changed", "path", path)
			p.relay.Publish(relay.Event{Type: relay.TypeConfig, Message: path, Time: time.Now()})
		})
		if err != nil {
			lg.Warn("tunnel config not watched", "path", path, "error", err)
		}
	}

	cf := cloudflared.New(cfg.Cloudflared.Binary)
	cf.Runner = cloudflared.ExecRunner{Env: environ}
	p.router = server.NewRouter(server.Options{
		BasePath:    cfg.Server.BasePath,
		ConfigPath:  cfg.Cloudflared.ConfigPath,
		Tunnel:      p.sup,
		Cloudflared: cf,
		Net:         &netcheck.Checker{},
		History:     p.history,
		Resources:   p.resources,
		Metrics:     metricsHandler,
		Logger:      lg,
	})
	return p, nil
}

func (p *Panel) Start(name string) (int, error) { return p.sup.Start(name) }
func (p *Panel) Stop() error                    { return p.sup.Stop() }
func (p *Panel) Status() Status                 { return p.sup.Status() }
func (p *Panel) Restart(o RestartOptions) (RestartResult, error) {
	return p.sup.Restart(o)
}

// Subscribe returns a feed of tunnel output and exit events.
func (p *Panel) Subscribe(buffer int) *Subscription { return p.relay.Subscribe(buffer) }

// History returns up to limit recent lifecycle events from the first sink
// that can list them.
func (p *Panel) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	return p.history.List(ctx, limit)
}

// Handler returns the HTTP API, mountable in any mux.
func (p *Panel) Handler() http.Handler { return p.router.Handler() }

// NewHTTPServer returns a server for the configured listen address. The
// caller runs ListenAndServe.
func (p *Panel) NewHTTPServer() *http.Server {
	return server.NewServer(p.cfg.Server.Listen, p.router, server.Timeouts{
		Read:  p.cfg.Server.ReadTimeout,
		Write: p.cfg.Server.WriteTimeout,
	})
}

// Close stops the tunnel gracefully and releases every collaborator.
func (p *Panel) Close() error {
	err := p.sup.Close()
	p.cancel()
	if p.resources.Enabled() {
		p.resources.Stop()
	}
	p.relay.Close()
	if p.archive != nil {
		err = errors.Join(err, p.archive.Close())
	}
	return errors.Join(err, p.history.Close())
}

var _ io.Closer = (*Panel)(nil)
