// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command holds the CLI command implementations.
package command

import (
	"github.com/hashicorp/cli"

	"github.com/automator/automator/command/agent"
	"github.com/automator/automator/version"
)

// Commands returns the command factories for the CLI.
func Commands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{Ui: ui}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Ui:      ui,
				Version: version.GetVersion().FullVersionNumber(true),
			}, nil
		},
	}
}
