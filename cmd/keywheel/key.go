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
)

func keyCommand() *cli.Command {
	return &cli.Command{
		Name:    "key",
		Summary: "Manage pool keys",
		Subcommands: []*cli.Command{
			keyAddCommand(),
			keyListCommand(),
			keyDisableCommand(),
			keyEnableCommand(),
		},
	}
}

// --- key add ---

type keyAddParams struct {
	cli.ServiceConnection
	Provider string `flag:"provider,p" desc:"provider name (must match a loaded provider profile)"`
}

func keyAddCommand() *cli.Command {
	var params keyAddParams

	return &cli.Command{
		Name:    "add",
		Summary: "Add an active key to the pool",
		Description: `Register a new key. The material is read from a no-echo terminal
prompt, or from stdin when piped; it is never accepted as a
command-line argument.`,
		Usage: "keywheel key add <key-id> --provider PROVIDER",
		Examples: []cli.Example{
			{
				Description: "Add a key interactively",
				Command:     "keywheel key add key-live-1 --provider openai",
			},
			{
				Description: "Add a key from a secrets manager",
				Command:     "vault read -field=key secret/openai | keywheel key add key-live-1 --provider openai",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			return addMaterial(ctx, args, &params, "add-key", "key")
		},
	}
}

// addMaterial is shared by "key add" and "backup add": same request
// shape, different action.
func addMaterial(ctx context.Context, args []string, params *keyAddParams, action, noun string) error {
	if len(args) != 1 {
		return cli.Validation("usage: keywheel %s add <key-id> --provider PROVIDER", noun)
	}
	if params.Provider == "" {
		return cli.Validation("--provider is required")
	}

	material, err := cli.ReadSecret("key material for " + args[0])
	if err != nil {
		return err
	}
	defer material.Close()

	ctx, cancel := cli.CallContext(ctx)
	defer cancel()

	err = params.Client().Call(ctx, action, map[string]any{
		"key_id":   args[0],
		"provider": params.Provider,
		"material": material.String(),
	}, nil)
	if err != nil {
		return cli.DiagnoseCallError(err, params.SocketPath)
	}
	fmt.Printf("%s %s added\n", noun, args[0])
	return nil
}

// --- key list ---

type keyListParams struct {
	cli.ServiceConnection
	cli.JSONOutput
	Status string `flag:"status,s" desc:"filter by status (active, cooling_down, disabled)"`
}

// keyEntry mirrors the service's key listing wire form.
type keyEntry struct {
	ID                string  `cbor:"id" json:"id"`
	Provider          string  `cbor:"provider" json:"provider"`
	Status            string  `cbor:"status" json:"status"`
	Fingerprint       string  `cbor:"fingerprint" json:"fingerprint"`
	CooldownUntil     string  `cbor:"cooldown_until" json:"cooldown_until,omitempty"`
	TransientFailures int     `cbor:"transient_failures" json:"transient_failures"`
	CooldownStreak    int     `cbor:"cooldown_streak" json:"cooldown_streak"`
	LastAssignedAt    string  `cbor:"last_assigned_at" json:"last_assigned_at,omitempty"`
	CreatedAt         string  `cbor:"created_at" json:"created_at"`
	Score             float64 `cbor:"score" json:"score"`
}

func keyListCommand() *cli.Command {
	var params keyListParams

	return &cli.Command{
		Name:    "list",
		Summary: "List pool keys",
		Usage:   "keywheel key list [flags]",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return cli.Validation("key list takes no arguments")
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			fields := map[string]any{}
			if params.Status != "" {
				fields["status"] = params.Status
			}

			var reply struct {
				Keys []keyEntry `cbor:"keys" json:"keys"`
			}
			if err := params.Client().Call(ctx, "list-keys", fields, &reply); err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			if done, err := params.EmitJSON(reply.Keys); done {
				return err
			}
			if len(reply.Keys) == 0 {
				logger.Info("no keys in the pool")
				return nil
			}
			return writeKeyTable(reply.Keys)
		},
	}
}

func writeKeyTable(keys []keyEntry) error {
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tSTATUS\tSCORE\tCOOLDOWN\tFINGERPRINT")
	for _, key := range keys {
		cooldown := "-"
		if key.CooldownUntil != "" {
			cooldown = formatCooldown(key.CooldownUntil)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			key.ID, key.Provider, key.Status, key.Score, cooldown, key.Fingerprint)
	}
	return tw.Flush()
}

// formatCooldown renders an RFC 3339 cooldown deadline as remaining
// time, falling back to the raw string if it fails to parse.
func formatCooldown(deadline string) string {
	until, err := time.Parse(time.RFC3339, deadline)
	if err != nil {
		return deadline
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		return "expired"
	}
	return remaining.Round(time.Second).String()
}

// --- key disable / enable ---

type keyStatusParams struct {
	cli.ServiceConnection
}

func keyDisableCommand() *cli.Command {
	var params keyStatusParams

	return &cli.Command{
		Name:    "disable",
		Summary: "Disable a key (releases its bindings)",
		Description: `Remove a key from selection. Active bindings on the key are
released so the affected proxies rebind on their next acquire. The
material stays sealed in the store; "key enable" restores the key.`,
		Usage:  "keywheel key disable <key-id>",
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			return setKeyStatus(ctx, args, &params, "disable-key", "keywheel key disable <key-id>", "disabled")
		},
	}
}

func keyEnableCommand() *cli.Command {
	var params keyStatusParams

	return &cli.Command{
		Name:    "enable",
		Summary: "Re-enable a disabled key",
		Usage:   "keywheel key enable <key-id>",
		Params:  func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			return setKeyStatus(ctx, args, &params, "enable-key", "keywheel key enable <key-id>", "enabled")
		},
	}
}

func setKeyStatus(ctx context.Context, args []string, params *keyStatusParams, action, usage, verb string) error {
	if len(args) != 1 {
		return cli.Validation("usage: %s", usage)
	}

	ctx, cancel := cli.CallContext(ctx)
	defer cancel()

	err := params.Client().Call(ctx, action, map[string]any{"key_id": args[0]}, nil)
	if err != nil {
		return cli.DiagnoseCallError(err, params.SocketPath)
	}
	fmt.Printf("%s %s\n", args[0], verb)
	return nil
}
