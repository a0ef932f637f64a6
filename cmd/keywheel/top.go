// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
	"github.com/bureau-foundation/keywheel/rotationui"
)

type topParams struct {
	cli.ServiceConnection
	Refresh time.Duration `flag:"refresh" desc:"poll interval" default:"2s"`
}

func topCommand() *cli.Command {
	var params topParams

	return &cli.Command{
		Name:    "top",
		Summary: "Live pool dashboard",
		Description: `Watch the pool in a full-screen terminal dashboard: one row per key
with status, health score, remaining cooldown, and bound proxy
count. Type / to fuzzy-filter by key ID or provider, j/k to move,
q to quit.`,
		Usage: "keywheel top [flags]",
		Examples: []cli.Example{
			{
				Description: "Watch with a faster refresh",
				Command:     "keywheel top --refresh 500ms",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return cli.Validation("top takes no arguments")
			}
			if params.Refresh < 100*time.Millisecond {
				return cli.Validation("--refresh must be at least 100ms")
			}

			// Probe the socket before entering the alternate screen so
			// connection problems surface as a normal error with a
			// hint instead of a flash of broken UI.
			probeCtx, cancel := cli.CallContext(ctx)
			err := params.Client().Call(probeCtx, "status", nil, nil)
			cancel()
			if err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			source := rotationui.NewServiceSource(params.Client())
			return rotationui.Run(source, params.Refresh)
		},
	}
}
