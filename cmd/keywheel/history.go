// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
)

type historyParams struct {
	cli.ServiceConnection
	cli.JSONOutput
	Limit int `flag:"limit,n" desc:"maximum rows" default:"50"`
}

// healthRecordEntry mirrors the service's health record wire form.
type healthRecordEntry struct {
	ProxyID   string `cbor:"proxy_id" json:"proxy_id"`
	KeyID     string `cbor:"key_id" json:"key_id"`
	Timestamp string `cbor:"timestamp" json:"timestamp"`
	Outcome   string `cbor:"outcome" json:"outcome"`
	LatencyMS int64  `cbor:"latency_ms" json:"latency_ms"`
	Source    string `cbor:"source" json:"source"`
}

func historyCommand() *cli.Command {
	var params historyParams

	return &cli.Command{
		Name:    "history",
		Summary: "Show recent health records",
		Description: `List recent health records newest first: traffic outcomes reported
by proxies and synthetic probe results from the health monitor. An
optional key-id argument filters to one key.`,
		Usage: "keywheel history [key-id] [flags]",
		Examples: []cli.Example{
			{
				Description: "The last 20 outcomes for one key",
				Command:     "keywheel history key-live-1 --limit 20",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 1 {
				return cli.Validation("usage: keywheel history [key-id]")
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			fields := map[string]any{"limit": params.Limit}
			if len(args) == 1 {
				fields["key_id"] = args[0]
			}

			var reply struct {
				Records []healthRecordEntry `cbor:"records" json:"records"`
			}
			if err := params.Client().Call(ctx, "history", fields, &reply); err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			if done, err := params.EmitJSON(reply.Records); done {
				return err
			}
			if len(reply.Records) == 0 {
				logger.Info("no health records")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "TIMESTAMP\tKEY\tPROXY\tOUTCOME\tLATENCY\tSOURCE")
			for _, record := range reply.Records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%s\n",
					record.Timestamp, record.KeyID, record.ProxyID,
					record.Outcome, record.LatencyMS, record.Source)
			}
			return tw.Flush()
		},
	}
}
