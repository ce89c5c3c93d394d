package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  auth_token: secret
  allowed_origins: ["https://lab.example.org"]
listener:
  poll_interval: 10s
  refresh_timeout: 2s
  refresh_concurrency: 8
  failure_threshold: 5
source:
  kind: jupyter
  jupyter_url: "http://jupyter:8888/"
  jupyter_token: abc
store:
  path: /tmp/nb/cache.db
  snapshot_ttl: 30m
filter:
  blocked_paths: ["private/*"]
log:
  level: debug
  env: development
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q, want %q", cfg.Addr(), "0.0.0.0:9090")
	}
	if cfg.Server.AuthToken != "secret" {
		t.Errorf("Server.AuthToken = %q, want %q", cfg.Server.AuthToken, "secret")
	}
	if cfg.Listener.PollInterval != 10*time.Second {
		t.Errorf("Listener.PollInterval = %v, want 10s", cfg.Listener.PollInterval)
	}
	if cfg.Listener.RefreshConcurrency != 8 {
		t.Errorf("Listener.RefreshConcurrency = %d, want 8", cfg.Listener.RefreshConcurrency)
	}
	if cfg.Source.JupyterURL != "http://jupyter:8888" {
		t.Errorf("Source.JupyterURL = %q, trailing slash not trimmed", cfg.Source.JupyterURL)
	}
	if cfg.Store.SnapshotTTL != 30*time.Minute {
		t.Errorf("Store.SnapshotTTL = %v, want 30m", cfg.Store.SnapshotTTL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	// Unset keys keep their defaults.
	if cfg.Server.BroadcastThrottle != 100*time.Millisecond {
		t.Errorf("Server.BroadcastThrottle = %v, want default 100ms", cfg.Server.BroadcastThrottle)
	}
	if cfg.Listener.MinPollInterval != MinPollInterval {
		t.Errorf("Listener.MinPollInterval = %v, want %v", cfg.Listener.MinPollInterval, MinPollInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Listener.PollInterval != 5*time.Second {
		t.Errorf("Listener.PollInterval = %v, want default 5s", cfg.Listener.PollInterval)
	}
	if cfg.Source.Kind != SourceJupyter {
		t.Errorf("Source.Kind = %q, want %q", cfg.Source.Kind, SourceJupyter)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, ":::not valid yaml")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestValidateClampsTimings(t *testing.T) {
	cfg := defaultConfig()
	cfg.Listener.MinPollInterval = 0
	cfg.Listener.PollInterval = 100 * time.Millisecond
	cfg.Listener.RefreshTimeout = 0
	cfg.Listener.RefreshConcurrency = 0
	cfg.Listener.FailureThreshold = -1
	cfg.Server.BroadcastThrottle = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	l := cfg.Listener
	if l.MinPollInterval != MinPollInterval {
		t.Errorf("MinPollInterval = %v, want %v", l.MinPollInterval, MinPollInterval)
	}
	if l.PollInterval != MinPollInterval {
		t.Errorf("PollInterval = %v, want clamp to %v", l.PollInterval, MinPollInterval)
	}
	if l.RefreshTimeout != l.PollInterval {
		t.Errorf("RefreshTimeout = %v, want poll interval %v", l.RefreshTimeout, l.PollInterval)
	}
	if l.RefreshConcurrency != 1 || l.FailureThreshold != 1 {
		t.Errorf("concurrency/threshold = %d/%d, want 1/1", l.RefreshConcurrency, l.FailureThreshold)
	}
	if cfg.Server.BroadcastThrottle <= 0 {
		t.Error("BroadcastThrottle not defaulted")
	}
}

func TestValidateSourceKinds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"jupyter", func(c *Config) {}, false},
		{"jupyter without url", func(c *Config) { c.Source.JupyterURL = "  " }, true},
		{"process", func(c *Config) { c.Source.Kind = SourceProcess; c.Source.BusyCPUPercent = 0 }, false},
		{"mock", func(c *Config) { c.Source.Kind = SourceMock; c.Source.JupyterURL = "" }, false},
		{"unknown", func(c *Config) { c.Source.Kind = "docker" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.name == "process" && cfg.Source.BusyCPUPercent != 5 {
				t.Errorf("BusyCPUPercent = %v, want default 5", cfg.Source.BusyCPUPercent)
			}
		})
	}
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, " from-env ")
	path := writeConfig(t, "source:\n  jupyter_token: from-file\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Source.JupyterToken != "from-env" {
		t.Errorf("JupyterToken = %q, want env override", cfg.Source.JupyterToken)
	}
}

func TestNewPathFilter(t *testing.T) {
	fc := FilterConfig{
		AllowedPaths: []string{"work/*"},
		BlockedPaths: []string{"work/secret"},
	}
	f := fc.NewPathFilter()

	tests := []struct {
		path string
		want bool
	}{
		{"work/a.ipynb", true},
		{"work/secret/b.ipynb", false},
		{"home/c.ipynb", false},
	}
	for _, tt := range tests {
		if got := f.IsAllowed(tt.path); got != tt.want {
			t.Errorf("IsAllowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}

	// The filter owns copies of the pattern slices.
	fc.BlockedPaths[0] = "nothing"
	if f.IsAllowed("work/secret/b.ipynb") {
		t.Error("filter changed after mutating FilterConfig")
	}
}

func TestNewPathFilterZeroValue(t *testing.T) {
	f := FilterConfig{}.NewPathFilter()
	if !f.IsAllowed("anything/at/all.ipynb") {
		t.Error("zero-value filter should allow every path")
	}
}
