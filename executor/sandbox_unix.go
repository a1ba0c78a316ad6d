// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the interpreter in its own process group and points
// the watchdog at the whole group, so processes a script spawns die with the
// interpreter instead of outliving the timeout.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
