// Package appmgr wires the scheduler, registries, process controller,
// history sinks and HTTP API into one embeddable daemon.
package appmgr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/appmgr/internal/config"
	"github.com/loykin/appmgr/internal/env"
	"github.com/loykin/appmgr/internal/history"
	"github.com/loykin/appmgr/internal/history/factory"
	"github.com/loykin/appmgr/internal/logger"
	"github.com/loykin/appmgr/internal/metrics"
	"github.com/loykin/appmgr/internal/orchestrator"
	"github.com/loykin/appmgr/internal/process"
	"github.com/loykin/appmgr/internal/scheduler"
	"github.com/loykin/appmgr/internal/server"
	apptls "github.com/loykin/appmgr/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type BundleConfig = config.BundleConfig

type Orchestrator = orchestrator.Orchestrator

type Snapshot = orchestrator.Snapshot

type Controller = process.Controller

type HistoryEvent = history.Event

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() (*Config, error) { return config.Default() }

type daemonOptions struct {
	procs      Controller
	registerer prometheus.Registerer
	log        *slog.Logger
}

type DaemonOption func(*daemonOptions)

// WithController replaces the OS process controller. The caller then
// reports exits through Daemon.OnProcessExited.
func WithController(c Controller) DaemonOption {
	return func(o *daemonOptions) { o.procs = c }
}

// WithRegisterer registers metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) DaemonOption {
	return func(o *daemonOptions) { o.registerer = r }
}

// WithLogger replaces the logger built from the log config.
func WithLogger(l *slog.Logger) DaemonOption {
	return func(o *daemonOptions) { o.log = l }
}

// Daemon is a configured appmgr instance.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	logCloser io.Closer

	sched  *scheduler.Scheduler
	sinks  history.Multi
	ring   *history.Ring
	os     *process.OS
	orch   *orchestrator.Orchestrator
	usage  *metrics.UsageSampler
	ignore atomic.Bool

	handler http.Handler
	srv     *http.Server
	ln      net.Listener
}

// NewDaemon builds every component from cfg. Nothing runs until Start.
func NewDaemon(cfg *Config, opts ...DaemonOption) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("appmgr: nil config")
	}
	o := daemonOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Daemon{cfg: cfg, log: o.log}
	if d.log == nil {
		l, closer, err := logger.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		d.log, d.logCloser = l, closer
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			d.close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		d.usage = metrics.NewUsageSampler(metrics.UsageConfig{
			Enabled:  cfg.Metrics.UsageInterval > 0,
			Interval: cfg.Metrics.UsageInterval,
		})
		if err := d.usage.RegisterMetrics(o.registerer); err != nil {
			d.close()
			return nil, fmt.Errorf("register usage metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	d.sinks = sinks
	d.ring = history.NewRing(cfg.History.RingSize)
	sink := append(history.Multi{d.ring}, sinks...)

	d.sched = scheduler.New(
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithDefaultQoS(cfg.DefaultQoS()),
		scheduler.WithName("appmgr"),
		scheduler.WithLogger(d.log),
	)

	procs := o.procs
	if procs == nil {
		d.os = process.NewOS(
			process.WithKillGrace(cfg.Timeouts.KillGrace),
			process.WithExitHandler(d.OnProcessExited),
			process.WithLogger(d.log),
		)
		procs = d.os
	}

	d.ignore.Store(cfg.Timeouts.Ignore)
	d.orch = orchestrator.New(d.sched, cfg.BundleProvider(), procs,
		orchestrator.WithLogger(d.log),
		orchestrator.WithSink(sink),
		orchestrator.WithTimeouts(cfg.Timeouts.Orchestrator()),
		orchestrator.WithProcessLog(cfg.Log),
		orchestrator.WithIgnoreTimeouts(d.ignore.Load),
		orchestrator.WithUserID(cfg.UserID),
		orchestrator.WithEnv(env.New(cfg.Env)),
		orchestrator.WithBackgroundBatch(cfg.Background.Batch()),
	)

	d.handler = server.NewRouter(d.orch, cfg.Server.BasePath,
		server.WithHistory(d.ring),
		server.WithUsage(d.usage),
		server.WithIgnoreTimeouts(&d.ignore),
		server.WithMetrics(cfg.Metrics.Enabled),
		server.WithLogger(d.log),
	).Handler()
	return d, nil
}

func (d *Daemon) Orchestrator() *Orchestrator { return d.orch }

func (d *Daemon) Logger() *slog.Logger { return d.log }

// Handler is the HTTP API, for mounting in another server.
func (d *Daemon) Handler() http.Handler { return d.handler }

// History returns the recent lifecycle events.
func (d *Daemon) History() []HistoryEvent { return d.ring.Events() }

// SetIgnoreTimeouts switches timeout handling off or back on at runtime.
func (d *Daemon) SetIgnoreTimeouts(v bool) { d.ignore.Store(v) }

// OnProcessExited reports the exit of a spawned process.
func (d *Daemon) OnProcessExited(pid int, err error) {
	if d.orch != nil {
		d.orch.OnProcessExited(pid, err)
	}
}

// Addr is the bound API address once Start has returned.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Start begins usage sampling and serves the API on the configured listen
// address. An empty address serves nothing.
func (d *Daemon) Start(ctx context.Context) error {
	if d.usage != nil {
		d.usage.Start(ctx, d.usageTargets)
	}
	if d.cfg.Server.Listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	tc, err := apptls.Setup(d.cfg.Server.TLS)
	if err != nil {
		_ = ln.Close()
		return err
	}
	if tc != nil {
		ln = tls.NewListener(ln, tc)
	}
	d.ln = ln
	d.srv = server.NewServer(d.cfg.Server.Listen, d.handler)
	go func() {
		if err := d.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("api server stopped", "error", err)
		}
	}()
	d.log.Info("api server listening", "addr", ln.Addr().String(), "base_path", d.cfg.Server.BasePath, "tls", tc != nil)
	return nil
}

func (d *Daemon) usageTargets() []metrics.UsageTarget {
	var out []metrics.UsageTarget
	for _, rec := range d.orch.Registry().Snapshot() {
		if pid := rec.PID(); pid > 0 {
			out = append(out, metrics.UsageTarget{
				RecordID:    rec.RecordID(),
				ProcessName: rec.ProcessName(),
				PID:         int32(pid),
			})
		}
	}
	return out
}

// Shutdown stops the API and kills spawned processes before the orchestrator
// drains its scheduler. History sinks and the log file close last.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.srv != nil {
		errs = append(errs, d.srv.Shutdown(ctx))
	}
	if d.usage != nil {
		d.usage.Stop()
	}
	if d.os != nil {
		errs = append(errs, d.os.Shutdown(ctx))
	}
	errs = append(errs, d.orch.Shutdown(ctx))
	errs = append(errs, d.close())
	return errors.Join(errs...)
}

func (d *Daemon) close() error {
	var errs []error
	if d.sinks != nil {
		errs = append(errs, factory.Close(d.sinks))
		d.sinks = nil
	}
	if d.logCloser != nil {
		errs = append(errs, d.logCloser.Close())
		d.logCloser = nil
	}
	return errors.Join(errs...)
}
