package ptybackend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/victorarias/ptyhost/internal/pty"
	"github.com/victorarias/ptyhost/internal/ptyworker"
)

var (
	ErrNotReady        = errors.New("pty host not ready")
	ErrTransportClosed = errors.New("pty host control channel closed")
	ErrHostFailed      = errors.New("pty host failed permanently")
	ErrHostStopped     = errors.New("pty host stopped")
	ErrNotInitialized  = errors.New("pty host not initialized")
)

// InitError means the worker could not load its native backend.
type InitError struct {
	Message string
}

func (e *InitError) Error() string {
	return "pty worker init failed: " + e.Message
}

// SpawnError fails one session's start; other sessions are unaffected.
type SpawnError struct {
	ID      int
	Message string
	Code    string
	// Reason is the worker's ptyworker.Reason* refinement of Code.
	Reason string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn session %d: %s", e.ID, e.Message)
}

// ShellNotFound reports whether the worker could not resolve the shell
// executable.
func (e *SpawnError) ShellNotFound() bool {
	return e.Reason == ptyworker.ReasonShellNotFound
}

// Unwrap maps the worker's failure reason back to the pty sentinel.
func (e *SpawnError) Unwrap() error {
	switch e.Reason {
	case ptyworker.ReasonShellNotFound:
		return pty.ErrShellNotFound
	case ptyworker.ReasonInvalidCWD:
		return pty.ErrInvalidWorkingDir
	default:
		return nil
	}
}

// OperationError is a write, resize, or kill against a session the worker no
// longer has. It is benign and never escalated.
type OperationError struct {
	ID      int
	Op      string
	Code    string
	Reason  string
	Message string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s session %d: %s", e.Op, e.ID, e.Message)
}

func (e *OperationError) Unwrap() error {
	if e.Reason == ptyworker.ReasonSessionNotFound {
		return pty.ErrSessionNotFound
	}
	return nil
}

// TransportError is returned synchronously when a request cannot be put on
// the control channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CrashError is delivered to every session of a worker that died.
type CrashError struct {
	ExitErr    error
	StderrTail string
}

func (e *CrashError) Error() string {
	if e.ExitErr == nil {
		return "pty worker exited unexpectedly"
	}
	return fmt.Sprintf("pty worker exited unexpectedly: %v", e.ExitErr)
}

func (e *CrashError) Unwrap() error {
	return e.ExitErr
}

type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func operationName(code string) string {
	switch code {
	case ptyworker.CodeWriteFailed:
		return "write"
	case ptyworker.CodeResizeFailed:
		return "resize"
	case ptyworker.CodeKillFailed:
		return "kill"
	case ptyworker.CodeSpawnFailed:
		return "spawn"
	case ptyworker.CodeBadRequest:
		return "request"
	case "":
		return "operation"
	default:
		return strings.ToLower(code)
	}
}
