// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
)

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:    "backup",
		Summary: "Manage reserve keys",
		Subcommands: []*cli.Command{
			backupAddCommand(),
			backupPromoteCommand(),
		},
	}
}

type backupAddParams = keyAddParams

func backupAddCommand() *cli.Command {
	var params backupAddParams

	return &cli.Command{
		Name:    "add",
		Summary: "Add a reserve key",
		Description: `Register a reserve key. Reserves sit outside selection until the
pool exhausts and one is promoted to active. The material is read
from a no-echo prompt or stdin, never from argv.`,
		Usage: "keywheel backup add <key-id> --provider PROVIDER",
		Examples: []cli.Example{
			{
				Description: "Stage a spare key for openai",
				Command:     "keywheel backup add key-reserve-1 --provider openai",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			return addMaterial(ctx, args, &params, "add-backup", "backup")
		},
	}
}

type backupPromoteParams struct {
	cli.ServiceConnection
}

func backupPromoteCommand() *cli.Command {
	var params backupPromoteParams

	return &cli.Command{
		Name:    "promote",
		Summary: "Promote a reserve key to active",
		Description: `Force-promote the oldest unused reserve into the active pool. The
service does this automatically when an acquire finds no usable key;
explicit promotion is for pre-scaling ahead of expected load.`,
		Usage:  "keywheel backup promote",
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return cli.Validation("backup promote takes no arguments")
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			var reply struct {
				KeyID string `cbor:"key_id"`
			}
			if err := params.Client().Call(ctx, "promote-backup", nil, &reply); err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}
			fmt.Printf("promoted %s\n", reply.KeyID)
			return nil
		},
	}
}
