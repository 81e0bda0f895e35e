package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/uprunner/internal/logger"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config/runner.yml"

// EnvPrefix namespaces environment overrides, e.g. UPRUNNER_CONTROL_LISTEN.
const EnvPrefix = "UPRUNNER"

// Config is the YAML structure of the supervisor config file.
type Config struct {
	ApplicationRoot string   `mapstructure:"application root"`
	ScriptPath      string   `mapstructure:"script path"`
	Interpreter     string   `mapstructure:"interpreter"`
	Env             []string `mapstructure:"env"`
	EnvFiles        []string `mapstructure:"env_files"`
	UseOSEnv        bool     `mapstructure:"use_os_env"`
	PIDFile         string   `mapstructure:"pid_file"`

	Control ControlConfig `mapstructure:"control"`
	Child   ChildConfig   `mapstructure:"child"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Admin   AdminConfig   `mapstructure:"admin"`
	History HistoryConfig `mapstructure:"history"`
}

type ControlConfig struct {
	Listen      string        `mapstructure:"listen"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"` // 0 disables the idle timeout
}

type ChildConfig struct {
	TermTimeout time.Duration `mapstructure:"term_timeout"`
	// StopOrphan terminates a child recorded in pid_file by a previous run
	// before serving.
	StopOrphan bool `mapstructure:"stop_orphan"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	Engine   string `mapstructure:"engine"` // gin or echo
}

// HistoryConfig lists sink DSNs, see history/factory.
type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	lc := logger.DefaultConfig()
	lc.File.MaxSizeMB = logger.DefaultMaxSizeMB
	lc.File.MaxBackups = logger.DefaultMaxBackups
	lc.File.MaxAgeDays = logger.DefaultMaxAgeDays
	return Config{
		UseOSEnv: true,
		Control: ControlConfig{
			Listen:      ":3002",
			SettleDelay: 2 * time.Second,
		},
		Child: ChildConfig{TermTimeout: 10 * time.Second, StopOrphan: true},
		Log:   lc,
		Admin: AdminConfig{
			Listen:   "127.0.0.1:3003",
			BasePath: "/api",
			Engine:   "gin",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("application root", d.ApplicationRoot)
	v.SetDefault("script path", d.ScriptPath)
	v.SetDefault("interpreter", d.Interpreter)
	v.SetDefault("env", d.Env)
	v.SetDefault("env_files", d.EnvFiles)
	v.SetDefault("use_os_env", d.UseOSEnv)
	v.SetDefault("pid_file", d.PIDFile)

	v.SetDefault("control.listen", d.Control.Listen)
	v.SetDefault("control.settle_delay", d.Control.SettleDelay)
	v.SetDefault("control.read_timeout", d.Control.ReadTimeout)
	v.SetDefault("child.term_timeout", d.Child.TermTimeout)
	v.SetDefault("child.stop_orphan", d.Child.StopOrphan)

	v.SetDefault("log.level", string(d.Log.Slog.Level))
	v.SetDefault("log.format", string(d.Log.Slog.Format))
	v.SetDefault("log.color", d.Log.Slog.Color)
	v.SetDefault("log.timestamps", d.Log.Slog.TimeStamps)
	v.SetDefault("log.source", d.Log.Slog.Source)
	v.SetDefault("log.file.path", d.Log.File.Path)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.listen", d.Admin.Listen)
	v.SetDefault("admin.base_path", d.Admin.BasePath)
	v.SetDefault("admin.engine", d.Admin.Engine)
	v.SetDefault("history.dsns", d.History.DSNs)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", " ", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the YAML file at path, layering it over Default() and
// UPRUNNER_* environment overrides. A missing file is only logged: the
// application keys stay empty and the first trigger reports the launch
// failure. An unreadable or malformed file is an error.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		slog.Warn("config file not found, using defaults", "path", path)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate reports problems that would make the supervisor unusable. Missing
// application keys are not errors here: the child launch fails and is
// reported to the caller of the control port instead.
func (c *Config) Validate() error {
	var errs []error
	if c.Control.Listen == "" {
		errs = append(errs, errors.New("control.listen must not be empty"))
	}
	if c.Control.SettleDelay < 0 {
		errs = append(errs, errors.New("control.settle_delay must not be negative"))
	}
	if c.Child.TermTimeout <= 0 {
		errs = append(errs, errors.New("child.term_timeout must be positive"))
	}
	switch c.Admin.Engine {
	case "", "gin", "echo":
	default:
		errs = append(errs, fmt.Errorf("admin.engine %q: want gin or echo", c.Admin.Engine))
	}
	return errors.Join(errs...)
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}

// ChildEnv returns the env_files contents followed by the env list, in the
// order they should be layered over the base environment.
func (c *Config) ChildEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		out = append(out, pairs...)
	}
	return append(out, c.Env...), nil
}
