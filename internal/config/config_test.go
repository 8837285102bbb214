package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Worker.ReadyTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxRestarts)
	assert.Equal(t, time.Second, cfg.Worker.RestartDelay)
	assert.Equal(t, 5*time.Second, cfg.Session.SwitchTimeout)
	assert.Equal(t, uint16(80), cfg.Session.DefaultCols)
	assert.Equal(t, uint16(24), cfg.Session.DefaultRows)
	assert.Equal(t, time.Duration(0), cfg.Profiles.CacheTTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "ptyhost", cfg.Worker.Command)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PTYHOST_WORKER_MAX_RESTARTS", "5")
	t.Setenv("PTYHOST_WORKER_READY_TIMEOUT", "250ms")
	t.Setenv("PTYHOST_SESSION_SWITCH_TIMEOUT", "2s")
	t.Setenv("PTYHOST_PROFILES_CACHE_TTL", "30s")
	t.Setenv("PTYHOST_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Worker.MaxRestarts)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.ReadyTimeout)
	assert.Equal(t, 2*time.Second, cfg.Session.SwitchTimeout)
	assert.Equal(t, 30*time.Second, cfg.Profiles.CacheTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PTYHOST_SESSION_SWITCH_TIMEOUT", "0s")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PTYHOST_WORKER_RESTART_DELAY", "soon")

	_, err := Load()
	require.Error(t, err)

	cfg := LoadOrDefault()
	assert.Equal(t, time.Second, cfg.Worker.RestartDelay)
}

func TestApplyDerived_PicksUpProfilesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".ptyhost")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profiles.yaml"), []byte("profiles: []\n"), 0644))

	cfg := Default()
	assert.Equal(t, filepath.Join(dir, "profiles.yaml"), cfg.Profiles.File)
	assert.Equal(t, filepath.Join(dir, "ptyhost.log"), cfg.Log.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero ready timeout", mutate: func(c *Config) { c.Worker.ReadyTimeout = 0 }, wantErr: true},
		{name: "negative restarts", mutate: func(c *Config) { c.Worker.MaxRestarts = -1 }, wantErr: true},
		{name: "zero restarts allowed", mutate: func(c *Config) { c.Worker.MaxRestarts = 0 }},
		{name: "zero cols", mutate: func(c *Config) { c.Session.DefaultCols = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
