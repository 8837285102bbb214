//go:build windows

package pty

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func configureProcAttr(*exec.Cmd) {}

func shouldSetpgidForPTY() bool { return false }

// Windows has no process groups reachable from here; signal the shell itself.
func (s *Session) signalGroup(sig syscall.Signal) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return errors.New("invalid process id")
	}
	if sig == syscall.SIGKILL {
		return s.cmd.Process.Kill()
	}
	if err := s.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return s.cmd.Process.Kill()
	}
	return nil
}

func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
