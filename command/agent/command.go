// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/automator/automator/version"
)

// Command is the "agent" CLI command. It runs the daemon until it receives a
// signal or the MCP stream closes.
type Command struct {
	Ui cli.Ui

	// ShutdownCh triggers a graceful exit when closed; used by tests.
	ShutdownCh <-chan struct{}
}

func (c *Command) Help() string {
	helpText := `
Usage: automatord agent [options]

  Starts the automation daemon: the scheduler, the executor, and the HTTP
  control plane. With -mcp it additionally serves MCP tools over stdio.

Options:

  -env-file=<path>
    Load environment defaults from the given file before reading the process
    environment.

  -mcp
    Serve the MCP control plane on stdin/stdout. Logs go to stderr so the
    JSON-RPC stream stays clean.
`
	return strings.TrimSpace(helpText)
}

func (c *Command) Synopsis() string {
	return "Run the automation daemon"
}

func (c *Command) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-env-file": complete.PredictFiles("*"),
		"-mcp":      complete.PredictNothing,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) Run(args []string) int {
	var envFile string
	var mcp bool

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&envFile, "env-file", "", "env file path")
	flags.BoolVar(&mcp, "mcp", false, "serve MCP on stdio")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	config, err := LoadConfig(envFile)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to load configuration: %v", err))
		return 1
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   "automatord",
		Level:  hclog.LevelFromString(config.LogLevel),
		Output: os.Stderr,
	})

	agent, err := NewAgent(config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start agent: %v", err))
		return 1
	}
	defer agent.Shutdown()

	httpServer, err := NewHTTPServer(agent)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start HTTP server: %v", err))
		return 1
	}
	defer httpServer.Shutdown()

	c.Ui.Output(fmt.Sprintf("==> %s", version.GetVersion().FullVersionNumber(true)))
	c.Ui.Output(fmt.Sprintf("    Data directory: %s", config.DataDir))
	c.Ui.Output(fmt.Sprintf("    HTTP address: http://%s", httpServer.Addr))
	c.Ui.Output(fmt.Sprintf("    Auth enforced: %v", config.AuthEnabled()))
	c.Ui.Output("==> Automation daemon started! Log data will stream in below:\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mcpDone := make(chan error, 1)
	if mcp {
		go func() {
			mcpDone <- NewMCPServer(agent, os.Stdin, os.Stdout).Run(ctx)
		}()
	}

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		logger.Info("caught signal, shutting down", "signal", sig.String())
	case <-c.ShutdownCh:
		logger.Info("shutdown requested")
	case err := <-mcpDone:
		if err != nil {
			logger.Error("mcp stream failed", "error", err)
			return 1
		}
		logger.Info("mcp stream closed, shutting down")
	}
	return 0
}
