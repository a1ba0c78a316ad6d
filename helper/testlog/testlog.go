// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T so that daemon
// components log through the test runner.
package testlog

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	t LogPrinter
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter returns an io.Writer backed by a LogPrinter.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t}
}

// HCLogger returns a trace-level logger that writes through t.Logf. Set
// AUTOMATOR_TEST_STDERR to send output to the terminal instead.
func HCLogger(t LogPrinter) hclog.Logger {
	var out io.Writer = NewWriter(t)
	if os.Getenv("AUTOMATOR_TEST_STDERR") != "" {
		out = os.Stderr
	}
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:           hclog.Trace,
		Output:          out,
		IncludeLocation: true,
	})
}
