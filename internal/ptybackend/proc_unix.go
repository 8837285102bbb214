//go:build !windows

package ptybackend

import (
	"os/exec"
	"syscall"
)

// The worker gets its own process group so a terminal's job-control
// signals aimed at the host do not reach it directly.
func configureWorkerProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
