// Package notify turns host and session failures into messages for the
// user.
package notify

import (
	"errors"
	"fmt"

	"github.com/victorarias/ptyhost/internal/profile"
	"github.com/victorarias/ptyhost/internal/pty"
	"github.com/victorarias/ptyhost/internal/ptybackend"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Notification struct {
	Level   Level
	Title   string
	Message string
	// Persistent notifications stay until the user dismisses them.
	Persistent bool
}

type Notifier interface {
	Notify(Notification)
}

// FromHostEvent maps a supervisor event to a notification. host-error
// events are not shown to the user.
func FromHostEvent(evt ptybackend.HostEvent) (Notification, bool) {
	switch evt.Kind {
	case ptybackend.HostEventFailed:
		return Notification{
			Level:      LevelError,
			Title:      "Terminal unavailable",
			Message:    "The terminal host stopped responding and could not be restarted. Restart the application to use the terminal again.",
			Persistent: true,
		}, true
	case ptybackend.HostEventRestarted:
		return Notification{
			Level:   LevelInfo,
			Title:   "Terminal host recovered",
			Message: "Start a new shell to continue.",
		}, true
	case ptybackend.HostEventExit:
		return Notification{
			Level:   LevelWarning,
			Title:   "Terminal host exited",
			Message: "Reconnecting...",
		}, true
	default:
		return Notification{}, false
	}
}

// ForSpawnFailure explains why a profile could not be started.
func ForSpawnFailure(p profile.Profile, err error) Notification {
	var spawnErr *ptybackend.SpawnError
	switch {
	case errors.As(err, &spawnErr) && spawnErr.ShellNotFound():
		return Notification{
			Level:   LevelError,
			Title:   fmt.Sprintf("%s not found", p.Name),
			Message: fmt.Sprintf("The shell %q is not installed or not on PATH. Install it or pick another profile.", p.Command),
		}
	case errors.Is(err, pty.ErrInvalidWorkingDir):
		return Notification{
			Level:   LevelError,
			Title:   "Working directory unavailable",
			Message: fmt.Sprintf("Could not start %s: %v", p.Name, err),
		}
	case errors.Is(err, ptybackend.ErrHostFailed):
		return Notification{
			Level:      LevelError,
			Title:      "Terminal unavailable",
			Message:    "The terminal host could not be started. Restart the application to use the terminal again.",
			Persistent: true,
		}
	default:
		return Notification{
			Level:   LevelError,
			Title:   fmt.Sprintf("Could not start %s", p.Name),
			Message: err.Error(),
		}
	}
}
