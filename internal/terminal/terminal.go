// Package terminal drives one interactive shell session between a render
// surface and the pty host.
package terminal

import (
	"context"
	"errors"

	"github.com/victorarias/ptyhost/internal/ptybackend"
)

var (
	// ErrSwitchInProgress is returned when a profile switch is requested
	// while another is still running. The request is dropped.
	ErrSwitchInProgress = errors.New("profile switch already in progress")
	ErrNotRunning       = errors.New("no shell running")
	// ErrBusy means the orchestrator is starting or stopping a shell.
	ErrBusy = errors.New("terminal is starting or stopping a shell")
)

// Size is a terminal size in character cells.
type Size struct {
	Cols uint16
	Rows uint16
}

// Surface is where the session is rendered and where user input comes
// from.
type Surface interface {
	Write(data []byte)
	// OnData registers fn for user input and returns an unsubscribe func.
	OnData(fn func([]byte)) func()
	// OnResize registers fn for size changes and returns an unsubscribe
	// func.
	OnResize(fn func(Size)) func()
	Dimensions() Size
	// Fit recomputes the size from the surface's container.
	Fit()
}

// Host starts shells. *ptybackend.Supervisor implements it.
type Host interface {
	Spawn(ctx context.Context, opts ptybackend.SpawnOptions) (*ptybackend.Handle, error)
}

type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	// Switching is reported from the moment a profile switch stops the old
	// shell until the new one is starting.
	Switching
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Switching:
		return "switching"
	default:
		return "unknown"
	}
}
