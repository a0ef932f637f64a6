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

type bindingsParams struct {
	cli.ServiceConnection
	cli.JSONOutput
	Proxy string `flag:"proxy" desc:"show this proxy's binding history instead of all active bindings"`
	Limit int    `flag:"limit,n" desc:"history rows when --proxy is set" default:"50"`
}

// bindingEntry mirrors the service's binding wire form.
type bindingEntry struct {
	ProxyID       string `cbor:"proxy_id" json:"proxy_id"`
	KeyID         string `cbor:"key_id" json:"key_id"`
	IsActive      bool   `cbor:"is_active" json:"is_active"`
	CreatedAt     string `cbor:"created_at" json:"created_at"`
	DeactivatedAt string `cbor:"deactivated_at" json:"deactivated_at,omitempty"`
}

func bindingsCommand() *cli.Command {
	var params bindingsParams

	return &cli.Command{
		Name:    "bindings",
		Summary: "Show proxy/key bindings",
		Description: `Without flags, list every active binding. With --proxy, show that
proxy's binding history newest first, including released bindings.`,
		Usage: "keywheel bindings [flags]",
		Examples: []cli.Example{
			{
				Description: "All active bindings",
				Command:     "keywheel bindings",
			},
			{
				Description: "How egress-fra-1's key churned over time",
				Command:     "keywheel bindings --proxy egress-fra-1 --limit 20",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return cli.Validation("bindings takes no arguments")
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			fields := map[string]any{}
			if params.Proxy != "" {
				fields["proxy_id"] = params.Proxy
				fields["limit"] = params.Limit
			}

			var reply struct {
				Bindings []bindingEntry `cbor:"bindings" json:"bindings"`
			}
			if err := params.Client().Call(ctx, "list-bindings", fields, &reply); err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			if done, err := params.EmitJSON(reply.Bindings); done {
				return err
			}
			if len(reply.Bindings) == 0 {
				logger.Info("no bindings")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "PROXY\tKEY\tSTATE\tBOUND AT\tRELEASED AT")
			for _, binding := range reply.Bindings {
				state := "active"
				released := "-"
				if !binding.IsActive {
					state = "released"
					released = binding.DeactivatedAt
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					binding.ProxyID, binding.KeyID, state, binding.CreatedAt, released)
			}
			return tw.Flush()
		},
	}
}
