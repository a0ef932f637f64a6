// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
	"github.com/bureau-foundation/keywheel/rotation"
)

type statusParams struct {
	cli.ServiceConnection
	cli.JSONOutput
}

// statusReply mirrors the service's status response.
type statusReply struct {
	UptimeSeconds float64            `cbor:"uptime_seconds" json:"uptime_seconds"`
	Stats         rotation.PoolStats `cbor:"stats" json:"stats"`
}

func statusCommand() *cli.Command {
	var params statusParams

	return &cli.Command{
		Name:    "status",
		Summary: "Show pool status",
		Description: `Query the service for aggregate pool state: key counts by status,
active bindings, unused backups, and retained health records.

Exits 1 when every key is cooling or disabled (the pool cannot serve
an acquire), so scripts can alert on a starved pool.`,
		Usage:  "keywheel status [flags]",
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return cli.Validation("status takes no arguments")
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			var reply statusReply
			if err := params.Client().Call(ctx, "status", nil, &reply); err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			if done, err := params.EmitJSON(reply); done {
				return err
			}

			uptime := time.Duration(reply.UptimeSeconds * float64(time.Second)).Round(time.Second)
			fmt.Printf("keywheel service up %s\n\n", uptime)

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(tw, "  active keys\t%d\n", reply.Stats.ActiveKeys)
			fmt.Fprintf(tw, "  cooling keys\t%d\n", reply.Stats.CoolingKeys)
			fmt.Fprintf(tw, "  disabled keys\t%d\n", reply.Stats.DisabledKeys)
			fmt.Fprintf(tw, "  active bindings\t%d\n", reply.Stats.ActiveBindings)
			fmt.Fprintf(tw, "  unused backups\t%d\n", reply.Stats.UnusedBackups)
			fmt.Fprintf(tw, "  health records\t%d\n", reply.Stats.HealthRecords)
			tw.Flush()

			if reply.Stats.ActiveKeys == 0 {
				fmt.Println("\npool starved: no active keys")
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
