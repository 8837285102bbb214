// Package ptybackend supervises the pty worker process: it launches the
// worker, waits for its handshake, routes session traffic over the control
// channel, and restarts the worker after crashes.
package ptybackend

import "time"

// State is the lifecycle state of the worker process.
type State int

const (
	NotStarted State = iota
	Starting
	Ready
	Crashed
	// Exited is terminal: the restart budget is spent.
	Exited
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Crashed:
		return "crashed"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

const (
	DefaultReadyTimeout      = 10 * time.Second
	DefaultRestartDelay      = 1 * time.Second
	DefaultRestartResetAfter = 60 * time.Second
	DefaultKillAckGrace      = 10 * time.Second
	DefaultMaxRestarts       = 3
)

type SpawnOptions struct {
	Shell string
	Args  []string
	CWD   string
	Env   map[string]string
	Cols  uint16
	Rows  uint16
}

// ExitInfo is delivered once per session. Killed is set when the exit
// followed a kill acknowledgment; when the worker never reported the real
// exit, ExitCode is -1 and Signal is the signal that was requested.
type ExitInfo struct {
	ID       int
	ExitCode int
	Signal   string
	Killed   bool
}

const (
	HostEventExit      = "host-exit"
	HostEventError     = "host-error"
	HostEventRestarted = "host-restarted"
	HostEventFailed    = "host-failed"
)

type HostEvent struct {
	Kind string
	Err  error
	// SessionID is set for host-error events caused by a session id the
	// supervisor no longer tracks.
	SessionID    int
	StderrTail   string
	RestartCount int
}
