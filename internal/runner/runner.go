// Package runner wires the child controller, the control port, the admin
// API and the history sinks from a single config.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/uprunner/internal/config"
	"github.com/loykin/uprunner/internal/control"
	"github.com/loykin/uprunner/internal/detector"
	"github.com/loykin/uprunner/internal/env"
	"github.com/loykin/uprunner/internal/history"
	"github.com/loykin/uprunner/internal/history/factory"
	"github.com/loykin/uprunner/internal/metrics"
	"github.com/loykin/uprunner/internal/process"
	"github.com/loykin/uprunner/internal/server"
)

const adminShutdownTimeout = 5 * time.Second

type Runner struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry // nil means the default registry

	ctrl     *process.Controller
	control  *control.Server
	recorder *history.Recorder
	closers  []io.Closer

	mu        sync.Mutex
	admin     *http.Server
	adminAddr net.Addr

	shutdownOnce sync.Once
	outcome      process.TerminationOutcome
}

type Option func(*Runner)

// WithLogger overrides the logger built from cfg.Log.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRegistry registers metrics on reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// New validates cfg and builds every component. Nothing listens until Listen
// or Run is called.
func New(cfg *config.Config, opts ...Option) (*Runner, error) {
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		if fw := cfg.Log.File.Writer(); fw != nil {
			r.log = cfg.Log.NewSloggerTo(fw)
			r.closers = append(r.closers, fw)
		} else {
			r.log = cfg.Log.NewSlogger()
		}
	}

	extra, err := cfg.ChildEnv()
	if err != nil {
		return nil, err
	}
	spec := SpecFromConfig(cfg, env.New(cfg.UseOSEnv).Merge(extra))

	if cfg.Metrics.Enabled {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		if r.registry != nil {
			reg = r.registry
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	r.recorder = history.NewRecorder(r.log, history.DefaultSendTimeout, sinks...)

	r.ctrl = process.NewController(spec,
		process.WithLogger(r.log),
		process.WithHooks(process.Hooks{OnSpawn: r.onSpawn, OnExit: r.onExit}),
	)
	r.control = control.New(control.Config{
		Listen:      cfg.Control.Listen,
		SettleDelay: cfg.Control.SettleDelay,
		ReadTimeout: cfg.Control.ReadTimeout,
	}, r.ctrl, r.log)
	return r, nil
}

// SpecFromConfig maps the application keys onto a launch spec. The child runs
// in the application root; a bare script name is made relative to it so it is
// not looked up in PATH.
func SpecFromConfig(cfg *config.Config, childEnv []string) process.Spec {
	exe := strings.TrimSpace(cfg.ScriptPath)
	if exe != "" && cfg.Interpreter == "" && !filepath.IsAbs(exe) && !strings.ContainsRune(exe, filepath.Separator) {
		exe = "." + string(filepath.Separator) + exe
	}
	name := ""
	if exe != "" {
		name = filepath.Base(exe)
	}
	return process.Spec{
		Name:        name,
		WorkDir:     cfg.ApplicationRoot,
		Executable:  exe,
		Interpreter: cfg.Interpreter,
		Env:         childEnv,
		PIDFile:     cfg.PIDFile,
	}
}

func (r *Runner) Controller() *process.Controller { return r.ctrl }
func (r *Runner) Logger() *slog.Logger            { return r.log }

// ControlAddr returns the bound control port address, or nil before Listen.
func (r *Runner) ControlAddr() net.Addr { return r.control.Addr() }

// AdminAddr returns the bound admin API address, or nil when disabled.
func (r *Runner) AdminAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adminAddr
}

// Listen binds the control port and, when enabled, starts the admin API.
func (r *Runner) Listen() error {
	if err := r.control.Listen(); err != nil {
		return fmt.Errorf("control port %s: %w", r.cfg.Control.Listen, err)
	}
	if !r.cfg.Admin.Enabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admin != nil {
		return nil
	}
	var opts []server.RouterOption
	if r.cfg.Metrics.Enabled {
		h := metrics.Handler()
		if r.registry != nil {
			h = metrics.HandlerFor(r.registry)
		}
		opts = append(opts, server.WithMetricsHandler(h))
	}
	router := server.NewRouter(r.ctrl, r.cfg.Admin.BasePath, opts...)
	h := router.Handler()
	if r.cfg.Admin.Engine == "echo" {
		h = router.EchoHandler()
	}
	srv, addr, err := server.NewServer(r.cfg.Admin.Listen, h)
	if err != nil {
		_ = r.control.Close()
		return fmt.Errorf("admin api %s: %w", r.cfg.Admin.Listen, err)
	}
	r.admin, r.adminAddr = srv, addr
	r.log.Info("admin api listening", "addr", addr.String(), "engine", r.cfg.Admin.Engine, "base", router.BasePath())
	return nil
}

// Run serves the control port until ctx is cancelled or the listener fails,
// then shuts everything down, terminating the child if one is running.
func (r *Runner) Run(ctx context.Context) error {
	r.stopOrphan()
	if err := r.Listen(); err != nil {
		r.Shutdown()
		return err
	}
	spec := r.ctrl.Spec()
	r.log.Info("uprunner started",
		"control", r.ControlAddr().String(),
		"application_root", spec.WorkDir,
		"script", spec.Executable)

	errCh := make(chan error, 1)
	go func() { errCh <- r.control.Serve(ctx) }()

	var err error
	select {
	case <-ctx.Done():
		r.Shutdown()
		err = <-errCh
	case err = <-errCh:
		r.Shutdown()
	}
	return err
}

// stopOrphan deals with a child a crashed predecessor left behind in
// pid_file so that at most one child exists per application root.
func (r *Runner) stopOrphan() {
	if r.cfg.PIDFile == "" {
		return
	}
	if !r.cfg.Child.StopOrphan {
		if alive, _ := (detector.PIDFileDetector{PIDFile: r.cfg.PIDFile}).Alive(); alive {
			r.log.Warn("child from a previous run is still alive", "pidfile", r.cfg.PIDFile)
		}
		return
	}
	pid, outcome, err := process.StopOrphan(r.cfg.PIDFile, r.cfg.Child.TermTimeout, r.log)
	if err != nil {
		r.log.Warn("orphan check failed", "pidfile", r.cfg.PIDFile, "error", err)
		return
	}
	if outcome != process.TerminationNone {
		r.recorder.Emit(history.Event{Type: orphanEvent(outcome), Record: history.Record{
			Name:      r.ctrl.Spec().Name,
			PID:       pid,
			StoppedAt: time.Now(),
			ExitErr:   "orphan from previous run",
		}})
	}
}

func orphanEvent(o process.TerminationOutcome) history.EventType {
	if o == process.Killed {
		return history.EventKill
	}
	return history.EventTerminate
}

// Shutdown stops accepting triggers, terminates the child, stops the admin
// API and flushes history. It is safe to call more than once.
func (r *Runner) Shutdown() process.TerminationOutcome {
	r.shutdownOnce.Do(func() {
		r.log.Info("uprunner shutting down")
		_ = r.control.Close()
		r.outcome = r.ctrl.TerminateGracefully(r.cfg.Child.TermTimeout)

		r.mu.Lock()
		admin := r.admin
		r.mu.Unlock()
		if admin != nil {
			ctx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			if err := admin.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.Warn("admin api shutdown", "error", err)
			}
			cancel()
		}
		if err := r.recorder.Close(); err != nil {
			r.log.Warn("history sinks close", "error", err)
		}
		r.log.Info("uprunner stopped", "child", r.outcome.String())
		for _, c := range r.closers {
			_ = c.Close()
		}
	})
	return r.outcome
}

func (r *Runner) onSpawn(st process.Status) {
	r.recorder.Emit(history.Event{Type: history.EventSpawn, Record: recordFromStatus(st)})
}

func (r *Runner) onExit(st process.Status, reason process.ExitReason) {
	t := history.EventExit
	switch reason {
	case process.ExitReasonTerminated:
		t = history.EventTerminate
	case process.ExitReasonKilled:
		t = history.EventKill
	}
	r.recorder.Emit(history.Event{Type: t, Record: recordFromStatus(st)})
}

func recordFromStatus(st process.Status) history.Record {
	return history.Record{
		Name:      st.Name,
		PID:       st.PID,
		StartedAt: st.StartedAt,
		StoppedAt: st.StoppedAt,
		Running:   st.Running,
		ExitErr:   st.ExitErr,
	}
}
