package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every variable, e.g. PTYHOST_WORKER_READY_TIMEOUT.
// Fields use split_words so keys never fall back to bare names like PATH.
const EnvPrefix = "PTYHOST"

// Config holds all ptyhost configuration.
// Priority: flags (applied by the caller) > environment > defaults.
type Config struct {
	Worker   WorkerConfig
	Session  SessionConfig
	Profiles ProfilesConfig
	Log      LogConfig
}

// WorkerConfig controls the worker process and its supervision policy.
type WorkerConfig struct {
	// Path to the worker binary. Empty means look up Command on PATH, then
	// fall back to the running executable.
	Path              string        `split_words:"true"`
	Command           string        `split_words:"true" default:"ptyhost"`
	ReadyTimeout      time.Duration `split_words:"true" default:"10s"`
	MaxRestarts       int           `split_words:"true" default:"3"`
	RestartDelay      time.Duration `split_words:"true" default:"1s"`
	RestartResetAfter time.Duration `split_words:"true" default:"60s"`
	InitExitDelay     time.Duration `split_words:"true" default:"100ms"`
	KillGrace         time.Duration `split_words:"true" default:"3s"`
	// KillAckGrace bounds how long an acknowledged kill waits for the
	// shell's real exit.
	KillAckGrace      time.Duration `split_words:"true" default:"10s"`
}

// SessionConfig controls orchestrator behaviour.
type SessionConfig struct {
	SwitchTimeout time.Duration `split_words:"true" default:"5s"`
	DefaultCols   uint16        `split_words:"true" default:"80"`
	DefaultRows   uint16        `split_words:"true" default:"24"`
	CWD           string        `split_words:"true"`
}

// ProfilesConfig controls shell discovery.
type ProfilesConfig struct {
	File         string        `split_words:"true"`
	CacheTTL     time.Duration `split_words:"true" default:"0s"`
	ProbeTimeout time.Duration `split_words:"true" default:"2s"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level       string `split_words:"true" default:"info"`
	Development bool   `split_words:"true" default:"false"`
	Path        string `split_words:"true"`
}

// Load reads configuration from PTYHOST_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads from the environment or returns defaults on error.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Worker: WorkerConfig{
			Command:           "ptyhost",
			ReadyTimeout:      10 * time.Second,
			MaxRestarts:       3,
			RestartDelay:      time.Second,
			RestartResetAfter: 60 * time.Second,
			InitExitDelay:     100 * time.Millisecond,
			KillGrace:         3 * time.Second,
			KillAckGrace:      10 * time.Second,
		},
		Session: SessionConfig{
			SwitchTimeout: 5 * time.Second,
			DefaultCols:   80,
			DefaultRows:   24,
		},
		Profiles: ProfilesConfig{
			ProbeTimeout: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
	cfg.applyDerived()
	return cfg
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.Worker.ReadyTimeout <= 0 {
		return fmt.Errorf("worker ready timeout must be positive, got %s", c.Worker.ReadyTimeout)
	}
	if c.Worker.MaxRestarts < 0 {
		return fmt.Errorf("worker max restarts must not be negative, got %d", c.Worker.MaxRestarts)
	}
	if c.Worker.RestartDelay < 0 {
		return fmt.Errorf("worker restart delay must not be negative, got %s", c.Worker.RestartDelay)
	}
	if c.Session.SwitchTimeout <= 0 {
		return fmt.Errorf("session switch timeout must be positive, got %s", c.Session.SwitchTimeout)
	}
	if c.Session.DefaultCols == 0 || c.Session.DefaultRows == 0 {
		return fmt.Errorf("default geometry must be positive, got %dx%d", c.Session.DefaultCols, c.Session.DefaultRows)
	}
	return nil
}

func (c *Config) applyDerived() {
	if c.Log.Path == "" {
		c.Log.Path = filepath.Join(Dir(), "ptyhost.log")
	}
	if c.Profiles.File == "" {
		candidate := filepath.Join(Dir(), "profiles.yaml")
		if _, err := os.Stat(candidate); err == nil {
			c.Profiles.File = candidate
		}
	}
}

// Dir returns the base directory for ptyhost files.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".ptyhost")
	}
	return filepath.Join(home, ".ptyhost")
}
