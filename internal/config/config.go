package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nblistener/backend/internal/session"
	"gopkg.in/yaml.v3"
)

// Source kinds accepted in source.kind.
const (
	SourceJupyter = "jupyter"
	SourceProcess = "process"
	SourceMock    = "mock"
)

// MinPollInterval is the hard floor for listener.poll_interval.
const MinPollInterval = time.Second

// TokenEnv overrides source.jupyter_token when set.
const TokenEnv = "NBLISTENER_JUPYTER_TOKEN"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Listener ListenerConfig `yaml:"listener"`
	Source   SourceConfig   `yaml:"source"`
	Store    StoreConfig    `yaml:"store"`
	Filter   FilterConfig   `yaml:"filter"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	Host              string        `yaml:"host"`
	AuthToken         string        `yaml:"auth_token"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	MaxConnections    int           `yaml:"max_connections"`
}

type ListenerConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	MinPollInterval    time.Duration `yaml:"min_poll_interval"`
	RefreshTimeout     time.Duration `yaml:"refresh_timeout"`
	RefreshConcurrency int           `yaml:"refresh_concurrency"`
	FailureThreshold   int           `yaml:"failure_threshold"`
}

type SourceConfig struct {
	Kind           string  `yaml:"kind"`
	JupyterURL     string  `yaml:"jupyter_url"`
	JupyterToken   string  `yaml:"jupyter_token"`
	BusyCPUPercent float64 `yaml:"busy_cpu_percent"`
	// NotebookRoot resolves relative notebook paths for the process source.
	NotebookRoot string `yaml:"notebook_root"`
}

type StoreConfig struct {
	Path        string        `yaml:"path"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// FilterConfig restricts which notebook paths may be tracked. Patterns are
// filepath.Match globs matched against the path and each of its parents.
type FilterConfig struct {
	AllowedPaths []string `yaml:"allowed_paths"`
	BlockedPaths []string `yaml:"blocked_paths"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Env   string `yaml:"env"`
}

func defaultConfig() *Config {
	storePath := "cache.db"
	if home, err := os.UserHomeDir(); err == nil {
		storePath = filepath.Join(home, ".nblistener", "cache.db")
	}
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  30 * time.Second,
			MaxConnections:    100,
		},
		Listener: ListenerConfig{
			PollInterval:       5 * time.Second,
			MinPollInterval:    MinPollInterval,
			RefreshTimeout:     3 * time.Second,
			RefreshConcurrency: 4,
			FailureThreshold:   3,
		},
		Source: SourceConfig{
			Kind:           SourceJupyter,
			JupyterURL:     "http://127.0.0.1:8888",
			BusyCPUPercent: 5,
		},
		Store: StoreConfig{
			Path:        storePath,
			SnapshotTTL: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
			Env:   "production",
		},
	}
}

// Default returns the built-in configuration, validated.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	_ = cfg.Validate()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) applyEnv() {
	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		c.Source.JupyterToken = tok
	}
}

// Validate clamps out-of-range timings and rejects settings the daemon
// cannot run with.
func (c *Config) Validate() error {
	l := &c.Listener
	if l.MinPollInterval < MinPollInterval {
		l.MinPollInterval = MinPollInterval
	}
	if l.PollInterval < l.MinPollInterval {
		l.PollInterval = l.MinPollInterval
	}
	if l.RefreshTimeout <= 0 {
		l.RefreshTimeout = l.PollInterval
	}
	if l.RefreshConcurrency < 1 {
		l.RefreshConcurrency = 1
	}
	if l.FailureThreshold < 1 {
		l.FailureThreshold = 1
	}
	if c.Server.BroadcastThrottle <= 0 {
		c.Server.BroadcastThrottle = 100 * time.Millisecond
	}

	switch c.Source.Kind {
	case SourceJupyter:
		if strings.TrimSpace(c.Source.JupyterURL) == "" {
			return errors.New("source.jupyter_url is required for the jupyter source")
		}
		c.Source.JupyterURL = strings.TrimRight(c.Source.JupyterURL, "/")
	case SourceProcess:
		if c.Source.BusyCPUPercent <= 0 {
			c.Source.BusyCPUPercent = 5
		}
	case SourceMock:
	default:
		return fmt.Errorf("unknown source.kind %q", c.Source.Kind)
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NewPathFilter builds the tracking filter from the config.
func (fc FilterConfig) NewPathFilter() *session.PathFilter {
	return &session.PathFilter{
		AllowedPaths: append([]string(nil), fc.AllowedPaths...),
		BlockedPaths: append([]string(nil), fc.BlockedPaths...),
	}
}
