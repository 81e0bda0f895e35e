package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/uprunner/internal/logger"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadConfig_Minimal(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runner.yml", `
application root: /srv/app
script path: /srv/app/main.py
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ApplicationRoot != "/srv/app" || cfg.ScriptPath != "/srv/app/main.py" {
		t.Fatalf("unexpected application keys: %+v", cfg)
	}
	if cfg.Control.Listen != ":3002" || cfg.Control.SettleDelay != 2*time.Second {
		t.Fatalf("unexpected control defaults: %+v", cfg.Control)
	}
	if cfg.Child.TermTimeout != 10*time.Second || !cfg.Child.StopOrphan {
		t.Fatalf("unexpected child defaults: %+v", cfg.Child)
	}
	if !cfg.UseOSEnv {
		t.Fatal("use_os_env should default to true")
	}
	if cfg.Log.Slog.Level != logger.LevelInfo || cfg.Log.File.MaxSizeMB != logger.DefaultMaxSizeMB {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.Admin.Enabled || cfg.Admin.BasePath != "/api" || cfg.Admin.Engine != "gin" {
		t.Fatalf("unexpected admin defaults: %+v", cfg.Admin)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadConfig_Full(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runner.yml", `
application root: /opt/app
script path: run.py
interpreter: python3 -u
env: ["MODE=prod", "DATA=${HOME}/data"]
use_os_env: false
pid_file: /tmp/child.pid
control:
  listen: "127.0.0.1:4000"
  settle_delay: 250ms
  read_timeout: 30s
child:
  term_timeout: 3s
  stop_orphan: false
log:
  level: debug
  format: json
  file:
    path: /tmp/uprunner.log
    max_backups: 9
metrics:
  enabled: true
admin:
  enabled: true
  listen: ":9090"
  base_path: /ops
  engine: echo
history:
  dsns:
    - sqlite:///tmp/h.db
    - opensearch://localhost:9200/uprunner
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Interpreter != "python3 -u" || cfg.UseOSEnv || cfg.PIDFile != "/tmp/child.pid" || len(cfg.Env) != 2 {
		t.Fatalf("unexpected top-level: %+v", cfg)
	}
	if cfg.Control.Listen != "127.0.0.1:4000" || cfg.Control.SettleDelay != 250*time.Millisecond || cfg.Control.ReadTimeout != 30*time.Second {
		t.Fatalf("unexpected control: %+v", cfg.Control)
	}
	if cfg.Child.TermTimeout != 3*time.Second || cfg.Child.StopOrphan {
		t.Fatalf("unexpected child: %+v", cfg.Child)
	}
	if cfg.Log.Slog.Level != logger.LevelDebug || cfg.Log.Slog.Format != logger.FormatJSON {
		t.Fatalf("unexpected log slog: %+v", cfg.Log.Slog)
	}
	if cfg.Log.File.Path != "/tmp/uprunner.log" || cfg.Log.File.MaxBackups != 9 || cfg.Log.File.MaxAgeDays != logger.DefaultMaxAgeDays {
		t.Fatalf("unexpected log file: %+v", cfg.Log.File)
	}
	if !cfg.Metrics.Enabled || !cfg.Admin.Enabled || cfg.Admin.Engine != "echo" || cfg.Admin.BasePath != "/ops" {
		t.Fatalf("unexpected metrics/admin: %+v %+v", cfg.Metrics, cfg.Admin)
	}
	if len(cfg.History.DSNs) != 2 {
		t.Fatalf("unexpected history: %+v", cfg.History)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "runner.yml", "application root: /srv/app\nscript path: main.py\n")
	t.Setenv("UPRUNNER_CONTROL_LISTEN", ":5555")
	t.Setenv("UPRUNNER_APPLICATION_ROOT", "/elsewhere")
	t.Setenv("UPRUNNER_CHILD_TERM_TIMEOUT", "1s")

	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Control.Listen != ":5555" {
		t.Fatalf("listen override not applied: %q", cfg.Control.Listen)
	}
	if cfg.ApplicationRoot != "/elsewhere" {
		t.Fatalf("application root override not applied: %q", cfg.ApplicationRoot)
	}
	if cfg.Child.TermTimeout != time.Second {
		t.Fatalf("term timeout override not applied: %v", cfg.Child.TermTimeout)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if cfg.ApplicationRoot != "" || cfg.ScriptPath != "" {
		t.Fatalf("expected empty application keys: %+v", cfg)
	}
	if d := Default(); cfg.Control.Listen != d.Control.Listen || cfg.Child.TermTimeout != d.Child.TermTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	t.Setenv("UPRUNNER_CONTROL_LISTEN", "127.0.0.1:4000")
	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil || cfg.Control.Listen != "127.0.0.1:4000" {
		t.Fatalf("env override without file: %+v %v", cfg, err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected error for a directory")
	}
	p := writeFile(t, dir, "bad.yml", "application root: [unterminated\n")
	if _, err := LoadConfig(p); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoadConfig_MissingApplicationKeysIsNotAnError(t *testing.T) {
	p := writeFile(t, t.TempDir(), "runner.yml", "control:\n  listen: \":3002\"\n")
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ApplicationRoot != "" || cfg.ScriptPath != "" {
		t.Fatalf("expected empty application keys: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Control.Listen = ""
	cfg.Child.TermTimeout = 0
	cfg.Admin.Engine = "fiber"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"control.listen", "term_timeout", "admin.engine"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestChildEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, dir, ".env", "A=1\n# comment\nB = two\nnot-a-pair\n")
	cfg := Default()
	cfg.EnvFiles = []string{dotenv}
	cfg.Env = []string{"B=override"}

	got, err := cfg.ChildEnv()
	if err != nil {
		t.Fatalf("child env: %v", err)
	}
	want := []string{"A=1", "B=two", "B=override"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}

	cfg.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	if _, err := cfg.ChildEnv(); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
