// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
	"github.com/bureau-foundation/keywheel/lib/version"
)

// rootCommand builds the complete keywheel CLI command tree.
func rootCommand() *cli.Command {
	return &cli.Command{
		Name: "keywheel",
		Description: `Keywheel: pooled API key rotation manager.

Inspect and manage the key pool served by keywheel-service: add and
retire keys, watch bindings and health history, and move keys between
deployments as encrypted bundles.`,
		Subcommands: []*cli.Command{
			statusCommand(),
			acquireCommand(),
			reportCommand(),
			keyCommand(),
			backupCommand(),
			bindingsCommand(),
			historyCommand(),
			bundleCommand(),
			topCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					version.Print("keywheel")
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Show the pool at a glance",
				Command:     "keywheel status",
			},
			{
				Description: "Add a key, reading the material from a no-echo prompt",
				Command:     "keywheel key add key-live-1 --provider openai",
			},
			{
				Description: "Watch the pool live",
				Command:     "keywheel top",
			},
			{
				Description: "Export the pool to an operator's age key",
				Command:     "keywheel bundle export --recipient age1... --out pool.bundle",
			},
		},
	}
}
