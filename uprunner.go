// Package uprunner is the public facade over the supervisor: a single child
// process spawned on demand from a TCP control port and terminated with the
// supervisor.
package uprunner

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/uprunner/internal/config"
	"github.com/loykin/uprunner/internal/history"
	"github.com/loykin/uprunner/internal/metrics"
	"github.com/loykin/uprunner/internal/process"
	"github.com/loykin/uprunner/internal/runner"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Spec = process.Spec

type Status = process.Status

type SpawnOutcome = process.SpawnOutcome

type TerminationOutcome = process.TerminationOutcome

type HistorySink = history.Sink

const (
	DefaultConfigPath  = cfg.DefaultPath
	DefaultTermTimeout = 10 * time.Second
)

// Supervisor is a thin facade over internal/runner.Runner.
type Supervisor struct{ inner *runner.Runner }

// Option customises a Supervisor.
type Option = runner.Option

var (
	WithLogger   = runner.WithLogger
	WithRegistry = runner.WithRegistry
)

func DefaultConfig() Config { return cfg.Default() }

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// New builds a supervisor from c. Nothing listens until Listen or Run.
func New(c *Config, opts ...Option) (*Supervisor, error) {
	r, err := runner.New(c, opts...)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: r}, nil
}

func (s *Supervisor) Listen() error                 { return s.inner.Listen() }
func (s *Supervisor) Run(ctx context.Context) error { return s.inner.Run(ctx) }
func (s *Supervisor) Shutdown() TerminationOutcome  { return s.inner.Shutdown() }
func (s *Supervisor) Status() Status                { return s.inner.Controller().Snapshot() }
func (s *Supervisor) IsRunning() bool               { return s.inner.Controller().IsRunning() }

// Spawn launches the child if none is running, the same as a control port
// trigger.
func (s *Supervisor) Spawn() SpawnOutcome { return s.inner.Controller().SpawnIfAbsent() }

// ControlAddr returns the bound control port address, or "" before Listen.
func (s *Supervisor) ControlAddr() string {
	if a := s.inner.ControlAddr(); a != nil {
		return a.String()
	}
	return ""
}

// AdminAddr returns the bound admin API address, or "" when disabled.
func (s *Supervisor) AdminAddr() string {
	if a := s.inner.AdminAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
