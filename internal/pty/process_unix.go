//go:build !windows

package pty

import (
	"errors"
	"os/exec"
	"runtime"
	"syscall"
)

func configureProcAttr(cmd *exec.Cmd) {
	if shouldSetpgidForPTY() {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

func shouldSetpgidForPTY() bool {
	// On macOS, creack/pty (forkpty) already creates a new session/process group.
	// Requesting Setpgid via os/exec conflicts and fails with EPERM.
	return runtime.GOOS != "darwin"
}

func (s *Session) signalGroup(sig syscall.Signal) error {
	pid := s.pid()
	if pid <= 0 {
		return errors.New("invalid process id")
	}
	pgid := pid
	if actual, err := syscall.Getpgid(pid); err == nil && actual > 0 {
		pgid = actual
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// ProcessAlive reports whether pid still names a process this user can see.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
