// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
)

// keyGrant mirrors the service's key handle wire form. The material
// is printed to stdout only on explicit request (--show-material);
// the default output carries the fingerprint instead.
type keyGrant struct {
	KeyID       string `cbor:"key_id" json:"key_id"`
	ProxyID     string `cbor:"proxy_id" json:"proxy_id"`
	Provider    string `cbor:"provider" json:"provider"`
	Fingerprint string `cbor:"fingerprint" json:"fingerprint"`
	Material    string `cbor:"material" json:"-"`
}

type acquireParams struct {
	cli.ServiceConnection
	cli.JSONOutput
	ShowMaterial bool `flag:"show-material" desc:"print the key material to stdout instead of the fingerprint"`
}

func acquireCommand() *cli.Command {
	var params acquireParams

	return &cli.Command{
		Name:    "acquire",
		Summary: "Bind a key to a proxy and print the grant",
		Description: `Ask the service for the key bound to a proxy, creating the binding
if the proxy has none. Repeated calls for the same proxy return the
same key until an outcome report or the health monitor rotates it.

The material is withheld from the default output; pass
--show-material to print it (for piping into provisioning tooling).`,
		Usage: "keywheel acquire <proxy-id> [flags]",
		Examples: []cli.Example{
			{
				Description: "See which key proxy egress-fra-1 is using",
				Command:     "keywheel acquire egress-fra-1",
			},
			{
				Description: "Pipe the material into another tool",
				Command:     "keywheel acquire egress-fra-1 --show-material | provision-proxy",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("usage: keywheel acquire <proxy-id>")
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			var grant keyGrant
			err := params.Client().Call(ctx, "acquire", map[string]any{"proxy_id": args[0]}, &grant)
			if err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			if params.ShowMaterial {
				fmt.Println(grant.Material)
				return nil
			}
			if done, err := params.EmitJSON(grant); done {
				return err
			}
			fmt.Printf("%s\t%s\t%s\t%s\n", grant.ProxyID, grant.KeyID, grant.Provider, grant.Fingerprint)
			return nil
		},
	}
}

type reportParams struct {
	cli.ServiceConnection
	cli.JSONOutput
	Outcome string        `flag:"outcome,o" desc:"request outcome: ok, rate_limited, auth_error, network_error, timeout"`
	Latency time.Duration `flag:"latency" desc:"observed request latency (e.g. 250ms)"`
}

func reportCommand() *cli.Command {
	var params reportParams

	return &cli.Command{
		Name:    "report",
		Summary: "Report a request outcome for a proxy/key pair",
		Description: `Feed an observed request outcome into the rotation policy. A failure
outcome may cool the key; when it does, the service immediately
rebinds the proxy and the replacement grant is printed.`,
		Usage: "keywheel report <proxy-id> <key-id> --outcome OUTCOME [flags]",
		Examples: []cli.Example{
			{
				Description: "Report a rate-limit hit",
				Command:     "keywheel report egress-fra-1 key-live-1 --outcome rate_limited --latency 900ms",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 2 {
				return cli.Validation("usage: keywheel report <proxy-id> <key-id> --outcome OUTCOME")
			}
			if params.Outcome == "" {
				return cli.Validation("--outcome is required")
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			var reply struct {
				Replacement *keyGrant `cbor:"replacement" json:"replacement"`
			}
			err := params.Client().Call(ctx, "report-outcome", map[string]any{
				"proxy_id":   args[0],
				"key_id":     args[1],
				"outcome":    params.Outcome,
				"latency_ms": params.Latency.Milliseconds(),
			}, &reply)
			if err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			if done, err := params.EmitJSON(reply); done {
				return err
			}
			if reply.Replacement == nil {
				fmt.Printf("%s keeps %s\n", args[0], args[1])
				return nil
			}
			fmt.Printf("%s cooled; %s now bound to %s (%s)\n",
				args[1], args[0], reply.Replacement.KeyID, reply.Replacement.Fingerprint)
			return nil
		},
	}
}
