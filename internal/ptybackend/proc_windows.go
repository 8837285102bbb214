//go:build windows

package ptybackend

import "os/exec"

func configureWorkerProcAttr(*exec.Cmd) {}
