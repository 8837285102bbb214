// Package profile knows which shells can be offered to the user and in what
// order.
package profile

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var ErrNoShell = errors.New("no supported shell found")

// Profile is an immutable description of a shell to launch.
type Profile struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// WellKnown lists the built-in profiles for the current platform, most
// preferred first.
func WellKnown() []Profile {
	return wellKnownFor(runtime.GOOS)
}

func wellKnownFor(goos string) []Profile {
	if goos == "windows" {
		return []Profile{
			{Name: "PowerShell 7", Command: "pwsh", Args: []string{"-NoLogo"}},
			{Name: "Windows PowerShell", Command: "powershell", Args: []string{"-NoLogo"}},
			{Name: "Command Prompt", Command: "cmd"},
		}
	}
	return []Profile{
		{Name: "PowerShell", Command: "pwsh", Args: []string{"-NoLogo"}},
		{Name: "zsh", Command: "zsh", Args: []string{"-l"}},
		{Name: "bash", Command: "bash", Args: []string{"-l"}},
		{Name: "sh", Command: "sh"},
	}
}

// Prober reports whether a command can be found on the system.
type Prober interface {
	OnPath(ctx context.Context, command string) bool
}

// CommandProber asks the platform's `which` (or `where` on windows).
type CommandProber struct {
	Timeout time.Duration
}

const defaultProbeTimeout = 2 * time.Second

func (p CommandProber) OnPath(ctx context.Context, command string) bool {
	if strings.TrimSpace(command) == "" {
		return false
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	finder := "which"
	if runtime.GOOS == "windows" {
		finder = "where"
	}
	out, err := exec.CommandContext(ctx, finder, command).Output()
	return err == nil && len(strings.TrimSpace(string(out))) > 0
}
