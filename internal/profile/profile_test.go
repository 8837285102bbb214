package profile

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu        sync.Mutex
	installed map[string]bool
	calls     int
}

func (p *fakeProber) OnPath(_ context.Context, command string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.installed[command]
}

func (p *fakeProber) install(commands ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range commands {
		p.installed[c] = true
	}
}

func newFakeProber(commands ...string) *fakeProber {
	p := &fakeProber{installed: make(map[string]bool)}
	p.install(commands...)
	return p
}

func commands(profiles []Profile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.Command)
	}
	return out
}

func TestWellKnownOrder(t *testing.T) {
	assert.Equal(t, []string{"pwsh", "powershell", "cmd"}, commands(wellKnownFor("windows")))
	assert.Equal(t, []string{"pwsh", "zsh", "bash", "sh"}, commands(wellKnownFor("linux")))
	assert.Equal(t, []string{"pwsh", "zsh", "bash", "sh"}, commands(wellKnownFor("darwin")))
}

func TestDetectAvailable_KeepsPreferenceOrder(t *testing.T) {
	r := newTestRegistry(WithProber(newFakeProber("sh", "zsh")))
	assert.Equal(t, []string{"zsh", "sh"}, commands(r.DetectAvailable(context.Background())))

	def, err := r.Default(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "zsh", def.Command)
}

func TestDefault_NoShell(t *testing.T) {
	r := newTestRegistry(WithProber(newFakeProber()))
	_, err := r.Default(context.Background())
	assert.ErrorIs(t, err, ErrNoShell)
}

func TestDetectAvailable_UncachedByDefault(t *testing.T) {
	prober := newFakeProber("sh")
	r := newTestRegistry(WithProber(prober))
	assert.Len(t, r.DetectAvailable(context.Background()), 1)

	prober.install("pwsh")
	assert.Equal(t, []string{"pwsh", "sh"}, commands(r.DetectAvailable(context.Background())))
}

func TestDetectAvailable_CachesWithinTTL(t *testing.T) {
	prober := newFakeProber("sh")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(
		WithProber(prober),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	assert.Len(t, r.DetectAvailable(context.Background()), 1)
	calls := prober.calls
	prober.install("bash")

	now = now.Add(30 * time.Second)
	assert.Equal(t, []string{"sh"}, commands(r.DetectAvailable(context.Background())))
	assert.Equal(t, calls, prober.calls)

	now = now.Add(time.Minute)
	assert.Equal(t, []string{"bash", "sh"}, commands(r.DetectAvailable(context.Background())))
}

func TestLookup(t *testing.T) {
	r := newTestRegistry(WithProber(newFakeProber()))

	p, ok := r.Lookup("bash")
	require.True(t, ok)
	assert.Equal(t, "bash", p.Command)

	p, ok = r.Lookup("pwsh")
	require.True(t, ok)
	assert.Equal(t, "pwsh", p.Command)

	_, ok = r.Lookup("fish")
	assert.False(t, ok)
}

func TestNext_Cycles(t *testing.T) {
	r := newTestRegistry(WithProber(newFakeProber("bash", "sh")))
	ctx := context.Background()

	bash, _ := r.Lookup("bash")
	next, err := r.Next(ctx, bash)
	require.NoError(t, err)
	assert.Equal(t, "sh", next.Command)

	next, err = r.Next(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, "bash", next.Command)

	zsh, _ := r.Lookup("zsh")
	next, err = r.Next(ctx, zsh)
	require.NoError(t, err)
	assert.Equal(t, "bash", next.Command)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`profiles:
  - name: fish
    command: fish
    args: [-l]
    env:
      FISH_GREETING: ""
  - name: bash
    command: /usr/local/bin/bash
`), 0o644))

	profiles, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, Profile{Name: "fish", Command: "fish", Args: []string{"-l"}, Env: map[string]string{"FISH_GREETING": ""}}, profiles[0])

	r := newTestRegistry(WithProber(newFakeProber("fish", "/usr/local/bin/bash", "sh")), WithProfiles(profiles))
	assert.Equal(t, []string{"fish", "/usr/local/bin/bash", "sh"}, commands(r.DetectAvailable(context.Background())))
}

func TestLoadFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no name", "profiles:\n  - command: fish\n", "has no name"},
		{"no command", "profiles:\n  - name: fish\n", "has no command"},
		{"duplicate", "profiles:\n  - {name: a, command: x}\n  - {name: A, command: y}\n", "duplicate"},
		{"not yaml", "profiles: [\n", "parse profiles file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "profiles.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadFile(path)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCommandProber(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses which")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	p := CommandProber{Timeout: time.Second}
	if !p.OnPath(context.Background(), "which") {
		t.Skip("which is not installed")
	}
	assert.True(t, p.OnPath(context.Background(), "sh"))
	assert.False(t, p.OnPath(context.Background(), "nonexistent-shell-xyz"))
	assert.False(t, p.OnPath(context.Background(), ""))
}

// newTestRegistry pins the unix profile list so tests read the same on
// every platform.
func newTestRegistry(opts ...Option) *Registry {
	pin := func(r *Registry) { r.profiles = wellKnownFor("linux") }
	return NewRegistry(append([]Option{pin}, opts...)...)
}
