// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

//go:build !unix

package executor

import "os/exec"

// setupProcessGroup is a no-op where process groups are unavailable; the
// watchdog kills the interpreter alone.
func setupProcessGroup(_ *exec.Cmd) {}
